package patroni

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// watchDCS is a mockDCS whose Watch result and blocking are scriptable.
type watchDCS struct {
	*mockDCS
	watchResult bool
	watchDelay  time.Duration
}

func (w *watchDCS) Watch(timeout time.Duration) bool {
	if w.watchDelay > 0 {
		time.Sleep(w.watchDelay)
	}
	return w.watchResult
}

func newTestSupervisor(watch *watchDCS) *Patroni {
	return &Patroni{
		config:     &Config{LoopWait: 10},
		dcs:        watch,
		napTime:    time.Duration(10) * time.Second,
		shutdownCh: make(chan struct{}),
	}
}

func TestScheduleNextRunOverdueResetsWithoutCatchUp(t *testing.T) {
	p := newTestSupervisor(&watchDCS{mockDCS: newMockDCS(nil)})
	p.nextRun = time.Now().Add(-time.Minute)

	before := time.Now()
	p.scheduleNextRun()
	// An overdue cycle resets to now instead of bursting to catch up.
	assert.False(t, p.nextRun.Before(before))
	assert.False(t, p.nextRun.After(time.Now()))
}

func TestScheduleNextRunWatchEventShortCircuits(t *testing.T) {
	p := newTestSupervisor(&watchDCS{mockDCS: newMockDCS(nil), watchResult: true})
	p.nextRun = time.Now()

	p.scheduleNextRun()
	// A store change wakes the loop immediately.
	assert.False(t, p.nextRun.After(time.Now()))
}

func TestScheduleNextRunKeepsCadenceWithoutEvents(t *testing.T) {
	p := newTestSupervisor(&watchDCS{mockDCS: newMockDCS(nil)})
	start := time.Now()
	p.nextRun = start

	p.scheduleNextRun()
	assert.Equal(t, start.Add(p.napTime), p.nextRun)
}

func TestShutdownInterruptsWatch(t *testing.T) {
	p := newTestSupervisor(&watchDCS{mockDCS: newMockDCS(nil), watchDelay: time.Minute})
	p.api = NewAPIServer(&Config{}, nil, newMockDatabase(), newMockDCS(nil), nil)
	p.ha = &Ha{db: newMockDatabase(), dcs: newMockDCS(nil), executor: NewAsyncExecutor()}
	p.nextRun = time.Now()

	done := make(chan struct{})
	go func() {
		p.scheduleNextRun()
		close(done)
	}()

	p.Shutdown()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("scheduleNextRun did not return after shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	p := newTestSupervisor(&watchDCS{mockDCS: newMockDCS(nil)})
	p.api = NewAPIServer(&Config{}, nil, newMockDatabase(), newMockDCS(nil), nil)
	db := newMockDatabase()
	p.ha = &Ha{db: db, dcs: newMockDCS(nil), executor: NewAsyncExecutor()}

	p.Shutdown()
	p.Shutdown()
	assert.True(t, db.stopped)
}

func TestReapChildrenWithoutChildren(t *testing.T) {
	// Must return immediately when no child has exited.
	reapChildren()
}
