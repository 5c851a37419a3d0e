package models

import "testing"

func TestWorkerConfigHasCapabilities(t *testing.T) {
	cfg := WorkerConfig{Capabilities: []string{"nlp", "vision", "stats"}}

	if !cfg.HasCapabilities([]string{"nlp", "stats"}) {
		t.Error("expected subset to match")
	}
	if !cfg.HasCapabilities(nil) {
		t.Error("empty requirement should always match")
	}
	if cfg.HasCapabilities([]string{"nlp", "audio"}) {
		t.Error("missing tag should not match")
	}
}

func TestWorkerMetricsSuccessRate(t *testing.T) {
	var m WorkerMetrics
	if m.SuccessRate() != 1.0 {
		t.Errorf("fresh worker should report 1.0, got %f", m.SuccessRate())
	}

	m.TasksCompleted = 3
	m.TasksFailed = 1
	if m.SuccessRate() != 0.75 {
		t.Errorf("expected 0.75, got %f", m.SuccessRate())
	}
}

func TestWorkerMetricsSuccessRateFor(t *testing.T) {
	m := WorkerMetrics{
		SuccessByType: map[TaskType]int64{TaskTypeAnalyze: 1},
		TotalByType:   map[TaskType]int64{TaskTypeAnalyze: 2},
	}
	if m.SuccessRateFor(TaskTypeAnalyze) != 0.5 {
		t.Errorf("expected 0.5, got %f", m.SuccessRateFor(TaskTypeAnalyze))
	}
	if m.SuccessRateFor(TaskTypeValidate) != 1.0 {
		t.Errorf("unseen type should report 1.0, got %f", m.SuccessRateFor(TaskTypeValidate))
	}
}

func TestWorkerStateValid(t *testing.T) {
	states := []WorkerState{
		WorkerCreated, WorkerInitializing, WorkerReady, WorkerIdle, WorkerBusy,
		WorkerError, WorkerUnresponsive, WorkerTerminating, WorkerTerminated,
	}
	for _, s := range states {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if WorkerState("bogus").Valid() {
		t.Error("unknown state should be invalid")
	}
}
