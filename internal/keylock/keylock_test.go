package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSameKeySerialises(t *testing.T) {
	table := New()
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.Lock("task-1")
			defer unlock()
			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxActive.Load())
	}
	if table.Len() != 0 {
		t.Fatalf("expected entries to be reclaimed, got %d", table.Len())
	}
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	table := New()
	unlockA := table.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := table.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}
