package background

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsUntilStopped(t *testing.T) {
	var runs atomic.Int32
	task := Every(context.Background(), 5*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	task.Stop()
	task.Stop()

	stopped := runs.Load()
	if stopped < 2 {
		t.Fatalf("expected at least 2 runs, got %d", stopped)
	}
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != stopped {
		t.Fatalf("task kept running after Stop")
	}
}

func TestEveryZeroIntervalIsInert(t *testing.T) {
	task := Every(context.Background(), 0, func(context.Context) {
		t.Fatalf("should never run")
	})
	task.Stop()
}
