package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the shell's metric instruments.
type Metrics struct {
	TasksEnqueued  metric.Int64Counter
	TaskOutcomes   metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	Clarifications metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("taskshell.tasks.enqueued",
		metric.WithDescription("Tasks accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOutcomes, err = meter.Int64Counter("taskshell.tasks.outcomes",
		metric.WithDescription("Terminal task outcomes by state"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskshell.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Clarifications, err = meter.Int64Counter("taskshell.clarifications",
		metric.WithDescription("Clarification questions surfaced to the operator"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
