package otel

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the scheduler's metric instruments.
type Metrics struct {
	TickDuration     metric.Float64Histogram
	AgentsActive     metric.Int64UpDownCounter
	ProcessesRunning metric.Int64UpDownCounter
	TasksStarted     metric.Int64Counter
	ProcessesLost    metric.Int64Counter
	OrphansDetected  metric.Int64Counter
	EntriesScheduled metric.Int64Counter
}

// NewMetrics creates the scheduler metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	tickDuration, err := meter.Float64Histogram(
		"labsched.tick.duration",
		metric.WithDescription("Duration of a dispatcher tick"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	agentsActive, err := meter.Int64UpDownCounter(
		"labsched.agents.active",
		metric.WithDescription("Agents currently managed by the dispatcher"),
	)
	if err != nil {
		return nil, err
	}

	processesRunning, err := meter.Int64UpDownCounter(
		"labsched.processes.running",
		metric.WithDescription("Runner processes currently running"),
	)
	if err != nil {
		return nil, err
	}

	tasksStarted, err := meter.Int64Counter(
		"labsched.tasks.started",
		metric.WithDescription("Agent tasks started, by kind"),
	)
	if err != nil {
		return nil, err
	}

	processesLost, err := meter.Int64Counter(
		"labsched.processes.lost",
		metric.WithDescription("Monitored processes declared lost"),
	)
	if err != nil {
		return nil, err
	}

	orphansDetected, err := meter.Int64Counter(
		"labsched.processes.orphaned",
		metric.WithDescription("Orphaned processes found during recovery"),
	)
	if err != nil {
		return nil, err
	}

	entriesScheduled, err := meter.Int64Counter(
		"labsched.entries.scheduled",
		metric.WithDescription("Queue entries assigned hosts and started"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		TickDuration:     tickDuration,
		AgentsActive:     agentsActive,
		ProcessesRunning: processesRunning,
		TasksStarted:     tasksStarted,
		ProcessesLost:    processesLost,
		OrphansDetected:  orphansDetected,
		EntriesScheduled: entriesScheduled,
	}, nil
}
