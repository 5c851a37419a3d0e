package scheduler

import (
	"math"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// backoffDelay returns the delay before the retry that follows failed
// attempt a (1-based). The delay is clamped to the policy's MaxDelay.
func backoffDelay(p models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Backoff {
	case models.BackoffLinear:
		delay = time.Duration(attempt) * p.InitialDelay
	case models.BackoffExponential:
		mult := p.Multiplier
		if mult <= 1 {
			mult = 2
		}
		delay = time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	default:
		delay = p.InitialDelay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// maxRetriesFor returns the task's retry budget, falling back to the policy
// default when the task does not override it.
func maxRetriesFor(task *models.Task, def models.RetryPolicy) int {
	if task.MaxRetries >= 0 {
		return task.MaxRetries
	}
	return def.MaxRetries
}
