package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/workflow"
)

// dispatchWithRetry runs one agent step through the fixed-delay retry
// controller. A `waiting` result returns immediately: it consumes no
// attempt and incurs no delay. Exhausting the budget returns an
// AgentError for the step-level handler to recover.
func (e *Engine) dispatchWithRetry(ctx context.Context, spec *workflow.AgentSpec, h Handler, handle Handle, p Payload) (interface{}, error) {
	attempts := spec.MaxRetries
	if attempts <= 0 {
		attempts = e.cfg.RetryAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := e.invoke(ctx, h, handle, p)
		if err == nil {
			return res, nil
		}
		lastErr = err

		metrics.AgentRetries.WithLabelValues(spec.ID).Inc()
		e.logger.Debug("Agent attempt failed",
			zap.String("agent_id", spec.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(e.cfg.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	metrics.AgentFailures.WithLabelValues(spec.ID).Inc()
	return nil, &AgentError{AgentID: spec.ID, Attempts: attempts, Err: lastErr}
}
