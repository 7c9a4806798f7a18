package tools

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSingleFlight_AcquireRelease(t *testing.T) {
	sf := NewSingleFlight()

	key := "job-every-minute"
	if !sf.TryAcquire(key) {
		t.Errorf("expected first TryAcquire to succeed for %s", key)
	}
	if sf.TryAcquire(key) {
		t.Errorf("expected second TryAcquire to fail for %s", key)
	}

	sf.Release(key)
	if !sf.TryAcquire(key) {
		t.Errorf("expected TryAcquire to succeed for %s after release", key)
	}
}

func TestSingleFlight_IndependentKeys(t *testing.T) {
	sf := NewSingleFlight()

	if !sf.TryAcquire("minute") {
		t.Error("expected lease for minute")
	}
	if !sf.TryAcquire("weekly") {
		t.Error("expected lease for weekly, keys must not share a guard")
	}
	if !sf.Held("minute") || !sf.Held("weekly") {
		t.Error("expected both leases to be held")
	}
}

func TestSingleFlight_AtMostOneWinner(t *testing.T) {
	sf := NewSingleFlight()
	key := "job"

	var wg sync.WaitGroup
	var winners int32

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sf.TryAcquire(key) {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}

func TestSingleFlight_ReleaseUnheldPanics(t *testing.T) {
	sf := NewSingleFlight()

	defer func() {
		if recover() == nil {
			t.Error("expected panic on release of unheld lease")
		}
	}()
	sf.Release("nope")
}
