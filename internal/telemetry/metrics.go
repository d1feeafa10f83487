package telemetry

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the agent's instruments. A nil *Metrics records nothing.
type Metrics struct {
	events       metric.Int64Counter
	malformed    metric.Int64Counter
	decisions    metric.Int64Counter
	transitions  metric.Int64Counter
	fills        metric.Int64Counter
	violations   metric.Int64Counter
	brokerErrors metric.Int64Counter
	persistFails metric.Int64Counter
	submitTime   metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.events, err = meter.Int64Counter("sentinel.market.events",
		metric.WithDescription("Market events processed"), metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.malformed, err = meter.Int64Counter("sentinel.market.malformed",
		metric.WithDescription("Market events dropped as malformed"), metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("sentinel.decisions",
		metric.WithDescription("Policy decisions by outcome"), metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("sentinel.orders.transitions",
		metric.WithDescription("Durable order transitions by target status"), metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if m.fills, err = meter.Int64Counter("sentinel.orders.fills",
		metric.WithDescription("Fills applied to the ledger"), metric.WithUnit("{fill}")); err != nil {
		return nil, err
	}
	if m.violations, err = meter.Int64Counter("sentinel.risk.violations",
		metric.WithDescription("Reservations refused by limit"), metric.WithUnit("{violation}")); err != nil {
		return nil, err
	}
	if m.brokerErrors, err = meter.Int64Counter("sentinel.broker.errors",
		metric.WithDescription("Broker call failures by kind"), metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.persistFails, err = meter.Int64Counter("sentinel.store.failures",
		metric.WithDescription("Transitions that could not be recorded"), metric.WithUnit("{failure}")); err != nil {
		return nil, err
	}
	if m.submitTime, err = meter.Float64Histogram("sentinel.orders.submit.duration",
		metric.WithDescription("Time from decision to broker acknowledgement"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// Event counts a processed market event.
func (m *Metrics) Event(ctx context.Context, symbol string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// Malformed counts a dropped event.
func (m *Metrics) Malformed(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.malformed.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// Decision counts a policy outcome ("hold" or a side).
func (m *Metrics) Decision(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Transition counts a recorded order transition.
func (m *Metrics) Transition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", to)))
}

// Fill counts an applied fill.
func (m *Metrics) Fill(ctx context.Context, symbol string) {
	if m == nil {
		return
	}
	m.fills.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// Violation counts a refused reservation.
func (m *Metrics) Violation(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// BrokerError counts a failed broker call.
func (m *Metrics) BrokerError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.brokerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// PersistenceFailure counts a transition that could not be recorded.
func (m *Metrics) PersistenceFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.persistFails.Add(ctx, 1)
}

// SubmitDuration records the latency of one submission.
func (m *Metrics) SubmitDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.submitTime.Record(ctx, float64(d.Microseconds())/1000)
}

// RegisterPoolStats exposes pgx pool statistics as observable gauges.
func RegisterPoolStats(meter metric.Meter, pool *pgxpool.Pool) error {
	total, err := meter.Int64ObservableGauge("sentinel.db.pool.total_conns",
		metric.WithDescription("Open database connections"))
	if err != nil {
		return err
	}
	idle, err := meter.Int64ObservableGauge("sentinel.db.pool.idle_conns",
		metric.WithDescription("Idle database connections"))
	if err != nil {
		return err
	}
	acquired, err := meter.Int64ObservableGauge("sentinel.db.pool.acquired_conns",
		metric.WithDescription("Database connections in use"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	return err
}
