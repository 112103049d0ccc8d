package otel

import (
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(t.Context(), Config{Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(t.Context())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TasksEnqueued == nil {
		t.Error("TasksEnqueued is nil")
	}
	if m.TaskOutcomes == nil {
		t.Error("TaskOutcomes is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.Clarifications == nil {
		t.Error("Clarifications is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(t.Context(), Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(t.Context())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.TasksEnqueued.Add(t.Context(), 1)
	m.TaskDuration.Record(t.Context(), 0.5)
}
