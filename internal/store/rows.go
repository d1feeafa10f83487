package store

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
)

// encodeTransition serializes the order snapshot and optional fill of tr.
func encodeTransition(tr domain.OrderTransition) (string, *string, error) {
	order, err := json.Marshal(tr.Order)
	if err != nil {
		return "", nil, fmt.Errorf("encode order state: %w", err)
	}
	if tr.Fill == nil {
		return string(order), nil, nil
	}
	fill, err := json.Marshal(tr.Fill)
	if err != nil {
		return "", nil, fmt.Errorf("encode fill: %w", err)
	}
	s := string(fill)
	return string(order), &s, nil
}

// decodeTransition rebuilds a transition from its log row.
func decodeTransition(seq int64, key, from, to, orderJSON string, fillJSON *string, reason string, at time.Time) (domain.OrderTransition, error) {
	tr := domain.OrderTransition{
		Seq:      seq,
		OrderKey: key,
		From:     domain.OrderStatus(from),
		To:       domain.OrderStatus(to),
		Reason:   reason,
		At:       at,
	}
	if err := json.Unmarshal([]byte(orderJSON), &tr.Order); err != nil {
		return tr, fmt.Errorf("decode order state for seq %d: %w", seq, err)
	}
	if fillJSON != nil && *fillJSON != "" {
		var f domain.Fill
		if err := json.Unmarshal([]byte(*fillJSON), &f); err != nil {
			return tr, fmt.Errorf("decode fill for seq %d: %w", seq, err)
		}
		tr.Fill = &f
	}
	return tr, nil
}

// parseDecimal parses a stored text value; empty text is zero.
func parseDecimal(src string, dst *decimal.Decimal) error {
	if src == "" {
		*dst = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(src)
	if err != nil {
		return fmt.Errorf("parse decimal %q: %w", src, err)
	}
	*dst = d
	return nil
}

func openStatusStrings() []string {
	statuses := domain.OpenStatuses()
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
