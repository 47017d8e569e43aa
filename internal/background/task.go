// Package background runs owned periodic jobs that stop cleanly on shutdown.
package background

import (
	"context"
	"sync"
	"time"
)

// Task runs fn every interval until Stop is called or the parent context ends.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func Every(parent context.Context, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	if interval <= 0 {
		close(t.done)
		return t
	}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return t
}

// Stop cancels the task and waits for an in-flight run to return. Safe to call more than once.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	<-t.done
}
