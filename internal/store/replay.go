package store

import (
	"sort"

	"sentinel/internal/domain"
)

// Replay folds a transition log into the order and position state it
// implies. Transitions are applied in seq order and each fill id counts once,
// so the result equals the materialized tables written by Append.
func Replay(transitions []domain.OrderTransition) (map[string]domain.Order, map[string]domain.Position) {
	sorted := append([]domain.OrderTransition(nil), transitions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	orders := make(map[string]domain.Order)
	positions := make(map[string]domain.Position)
	fills := make(map[string]struct{})
	for _, tr := range sorted {
		orders[tr.OrderKey] = tr.Order
		if tr.Fill == nil {
			continue
		}
		if _, dup := fills[tr.Fill.ID]; dup {
			continue
		}
		fills[tr.Fill.ID] = struct{}{}
		pos, ok := positions[tr.Fill.Symbol]
		if !ok {
			pos = domain.Position{Symbol: tr.Fill.Symbol}
		}
		positions[tr.Fill.Symbol] = pos.ApplyFill(*tr.Fill)
	}
	return orders, positions
}
