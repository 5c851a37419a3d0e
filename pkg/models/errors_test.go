package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindRoundTrip(t *testing.T) {
	err := E(KindQueueFull, "queue at %d", 100)
	if !IsKind(err, KindQueueFull) {
		t.Errorf("expected queue_full, got %s", KindOf(err))
	}
	if err.Error() != "queue_full: queue at 100" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestKindOfWrappedError(t *testing.T) {
	inner := E(KindNotFound, "task t-1")
	wrapped := fmt.Errorf("lookup: %w", inner)
	if KindOf(wrapped) != KindNotFound {
		t.Errorf("expected not_found through wrapping, got %s", KindOf(wrapped))
	}
}

func TestKindOfUntypedError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("untyped errors should classify as internal")
	}
	if KindOf(nil) != "" {
		t.Error("nil should have empty kind")
	}
}
