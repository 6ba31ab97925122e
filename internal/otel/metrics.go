package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all relay metrics instruments.
type Metrics struct {
	EventsAppended     metric.Int64Counter
	CatchUpDesyncs     metric.Int64Counter
	DuplicateTurns     metric.Int64Counter
	TurnConflicts      metric.Int64Counter
	StopsSuppressed    metric.Int64Counter
	PermissionTimeouts metric.Int64Counter
	ActiveConnections  metric.Int64UpDownCounter
	ActiveTurns        metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter("clawlink.events.appended",
		metric.WithDescription("Session events appended to event logs"),
	)
	if err != nil {
		return nil, err
	}

	m.CatchUpDesyncs, err = meter.Int64Counter("clawlink.catchup.desyncs",
		metric.WithDescription("Catch-up requests older than the retained ring window"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicateTurns, err = meter.Int64Counter("clawlink.turns.duplicates",
		metric.WithDescription("Turn submissions deduplicated by clientTurnId"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnConflicts, err = meter.Int64Counter("clawlink.turns.conflicts",
		metric.WithDescription("Turn submissions rejected for clientTurnId conflict"),
	)
	if err != nil {
		return nil, err
	}

	m.StopsSuppressed, err = meter.Int64Counter("clawlink.stops.suppressed",
		metric.WithDescription("Stop requests suppressed by an open stop episode"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionTimeouts, err = meter.Int64Counter("clawlink.permissions.timeouts",
		metric.WithDescription("Permission requests auto-denied on timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("clawlink.connections.active",
		metric.WithDescription("Open stream connections"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("clawlink.turns.active",
		metric.WithDescription("Sessions with an active turn"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NewNoopMetrics returns instruments backed by a no-op meter. Used where
// callers do not wire real telemetry (tests, optional config).
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
