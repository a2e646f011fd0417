package patroni

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutorSchedule(t *testing.T) {
	e := NewAsyncExecutor()

	assert.Equal(t, "", e.Schedule("restart", false))
	assert.True(t, e.Busy())
	assert.Equal(t, "restart", e.ScheduledAction())

	// The slot rejects a second action and reports the occupant.
	assert.Equal(t, "restart", e.Schedule("reinitialize", false))
	assert.Equal(t, "restart", e.ScheduledAction())

	e.Reset()
	assert.False(t, e.Busy())
	assert.Equal(t, "", e.Schedule("reinitialize", false))
}

func TestExecutorRunAsyncClearsSlot(t *testing.T) {
	e := NewAsyncExecutor()
	e.Schedule("follow", true)

	done := make(chan struct{})
	e.RunAsync(func(ctx context.Context) {
		close(done)
	})
	<-done

	// The worker clears the slot after the function returns.
	assert.Eventually(t, func() bool { return !e.Busy() }, waitTimeout, pollInterval)
}

func TestExecutorCancelHonorsCancellable(t *testing.T) {
	e := NewAsyncExecutor()
	e.Schedule("follow", true)

	started := make(chan struct{})
	stopped := make(chan struct{})
	e.RunAsync(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(stopped)
	})
	<-started

	e.Cancel()
	<-stopped
	assert.Eventually(t, func() bool { return !e.Busy() }, waitTimeout, pollInterval)
}

func TestExecutorCancelIgnoresNonCancellable(t *testing.T) {
	e := NewAsyncExecutor()
	e.Schedule("bootstrap", false)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(1)
	e.RunAsync(func(ctx context.Context) {
		defer finished.Done()
		close(started)
		select {
		case <-ctx.Done():
			t.Error("non-cancellable action was interrupted")
		case <-release:
		}
	})
	<-started

	e.Cancel()
	close(release)
	finished.Wait()
}

func TestExecutorConcurrentSchedule(t *testing.T) {
	e := NewAsyncExecutor()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Schedule("restart", false) == "" {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}
