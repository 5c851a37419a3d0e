package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

func TestAutoscaleAddsWorkersUnderLoad(t *testing.T) {
	cfg := testConfig()
	o := newRunning(t, cfg, WithFallbackHandler(blockForever))

	// Saturate the initial fleet.
	for i := 0; i < 4; i++ {
		if _, err := o.Submit(&models.Task{Name: "load"}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "full utilization", func() bool {
		return o.GetMetrics().Utilization == 1.0
	})

	before := o.WorkerCount()
	var since time.Time
	o.autoscaleOnce(&since)

	if o.WorkerCount() <= before {
		t.Errorf("expected autoscaler to add workers, still %d", o.WorkerCount())
	}
	if o.WorkerCount() > cfg.MaxAgents {
		t.Errorf("autoscaler exceeded max_agents: %d", o.WorkerCount())
	}
}

func TestAutoscaleShrinksIdleFleet(t *testing.T) {
	cfg := testConfig()
	cfg.MinAgents = 1
	o := newRunning(t, cfg)

	if err := o.ScaleUp(2); err != nil {
		t.Fatal(err)
	}
	before := o.WorkerCount()

	var since time.Time
	o.autoscaleOnce(&since)

	if o.WorkerCount() >= before {
		t.Errorf("expected autoscaler to remove idle workers, still %d", o.WorkerCount())
	}
	if o.WorkerCount() < cfg.MinAgents {
		t.Errorf("autoscaler went below min_agents: %d", o.WorkerCount())
	}
}

func TestStarvationFailsWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.MinAgents = 0
	cfg.FailOnStarvation = true
	o := newRunning(t, cfg)

	if o.WorkerCount() != 0 {
		t.Fatalf("expected empty fleet, got %d", o.WorkerCount())
	}
	if _, err := o.Submit(&models.Task{Name: "stranded"}); err != nil {
		t.Fatal(err)
	}

	var since time.Time
	o.autoscaleOnce(&since)

	// MinAgents 0 means the floor restore creates nothing; the fleet is
	// empty with work pending.
	waitFor(t, "failed state", func() bool {
		return o.State() == models.StateFailed
	})
}

func TestLoopPanicReportedAsInternal(t *testing.T) {
	o := newRunning(t, testConfig())
	sub := o.Subscribe([]models.EventType{models.EventInternal}, 0)
	defer sub.Close()

	panicked := o.runContained(context.Background(), "test", func(context.Context) {
		panic("subcomponent fault")
	})
	if !panicked {
		t.Fatal("expected panic to be reported")
	}

	select {
	case evt := <-sub.Events():
		if evt.CorrelationID == "" {
			t.Error("internal event must carry a correlation id")
		}
		if evt.Error != "subcomponent fault" {
			t.Errorf("unexpected error text: %q", evt.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("no internal event emitted")
	}
}
