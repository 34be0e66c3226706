package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFires(t *testing.T) {
	w := New(5*time.Millisecond, 16)
	go w.Run()
	defer w.Stop()

	var fired int32
	w.Schedule("t1", 15*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	deadline := time.After(300 * time.Millisecond)
	for atomic.LoadInt32(&fired) == 0 {
		select {
		case <-deadline:
			t.Fatal("task never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCancelPreventsFire(t *testing.T) {
	w := New(5*time.Millisecond, 16)
	go w.Run()
	defer w.Stop()

	var fired int32
	w.Schedule("t1", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	w.Cancel("t1")

	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected cancelled task not to fire")
	}
}

func TestRescheduleReplacesExisting(t *testing.T) {
	w := New(5*time.Millisecond, 16)
	go w.Run()
	defer w.Stop()

	var fired int32
	w.Schedule("t1", 10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	w.Schedule("t1", 10*time.Millisecond, func() { atomic.AddInt32(&fired, 10) })

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 10 {
		t.Fatalf("expected only the replacement task to fire, got %d", got)
	}
}

func TestPendingReflectsState(t *testing.T) {
	w := New(5*time.Millisecond, 16)
	w.Schedule("t1", 50*time.Millisecond, func() {})
	if !w.Pending("t1") {
		t.Fatal("expected t1 to be pending before the wheel runs")
	}
	w.Cancel("t1")
	if w.Pending("t1") {
		t.Fatal("expected t1 to no longer be pending after cancel")
	}
}
