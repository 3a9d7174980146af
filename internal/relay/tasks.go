package relay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Tasks runs fire-and-forget work on a context detached from the caller, so a
// client disconnect never cancels an in-flight write or fan-out.
type Tasks struct {
	base   context.Context
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewTasks creates a group whose tasks inherit values, but not cancellation,
// from parent.
func NewTasks(parent context.Context, logger *zap.Logger) *Tasks {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tasks{base: context.WithoutCancel(parent), logger: logger}
}

// Go starts fn in its own goroutine. A panic is logged and contained.
func (t *Tasks) Go(name string, fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				t.logger.Error("background task panicked",
					zap.String("task", name),
					zap.String("panic", fmt.Sprint(recovered)))
			}
		}()
		fn(t.base)
	}()
}

// Wait blocks until every started task has returned.
func (t *Tasks) Wait() {
	t.wg.Wait()
}

// Drain waits for outstanding tasks or for ctx to end, whichever is first.
func (t *Tasks) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
