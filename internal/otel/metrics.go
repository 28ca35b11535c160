package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Warden metric instruments.
type Metrics struct {
	AttemptDuration   metric.Float64Histogram
	AttemptsTotal     metric.Int64Counter
	FallbacksTotal    metric.Int64Counter
	CooldownSkips     metric.Int64Counter
	ActiveSupervisors metric.Int64UpDownCounter
	TaskDuration      metric.Float64Histogram
	FinalizeDuration  metric.Float64Histogram
	FinalizeErrors    metric.Int64Counter
	RecoveryTicks     metric.Int64Counter
	MarkersRecovered  metric.Int64Counter
	UnknownOutcomes   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AttemptDuration, err = meter.Float64Histogram("warden.attempt.duration",
		metric.WithDescription("Container attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AttemptsTotal, err = meter.Int64Counter("warden.attempt.total",
		metric.WithDescription("Total attempts launched"),
	)
	if err != nil {
		return nil, err
	}

	m.FallbacksTotal, err = meter.Int64Counter("warden.fallback.total",
		metric.WithDescription("Chain advances after a failed attempt"),
	)
	if err != nil {
		return nil, err
	}

	m.CooldownSkips, err = meter.Int64Counter("warden.cooldown.skips",
		metric.WithDescription("Chain entries skipped for an active cooldown"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSupervisors, err = meter.Int64UpDownCounter("warden.supervisor.active",
		metric.WithDescription("Number of currently running task supervisors"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("warden.task.duration",
		metric.WithDescription("Task duration from first attempt to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FinalizeDuration, err = meter.Float64Histogram("warden.finalize.duration",
		metric.WithDescription("Finalization pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FinalizeErrors, err = meter.Int64Counter("warden.finalize.errors",
		metric.WithDescription("Finalization runs that ended in the error state"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryTicks, err = meter.Int64Counter("warden.recovery.ticks",
		metric.WithDescription("Recovery reconciler tick count"),
	)
	if err != nil {
		return nil, err
	}

	m.MarkersRecovered, err = meter.Int64Counter("warden.marker.recovered",
		metric.WithDescription("Completion markers consumed after container auto-removal"),
	)
	if err != nil {
		return nil, err
	}

	m.UnknownOutcomes, err = meter.Int64Counter("warden.outcome.unknown",
		metric.WithDescription("Attempts whose outcome could not be determined (no marker, no wait result)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
