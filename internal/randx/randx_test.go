package randx

import (
	"sync"
	"testing"
	"time"
)

func TestSameSeedSameSequence(t *testing.T) {
	t.Parallel()
	a, b := New(42), New(42)
	for i := 0; i < 100; i++ {
		if x, y := a.Float64(), b.Float64(); x != y {
			t.Fatalf("draw %d: %v != %v", i, x, y)
		}
		if x, y := a.ExpFloat64(), b.ExpFloat64(); x != y {
			t.Fatalf("exp draw %d: %v != %v", i, x, y)
		}
	}
}

func TestBetweenBounds(t *testing.T) {
	t.Parallel()
	src := New(7)
	lo, hi := 30*time.Minute, 120*time.Minute
	for i := 0; i < 5000; i++ {
		d := Between(src, lo, hi)
		if d < lo || d > hi {
			t.Fatalf("Between = %v, want within [%v, %v]", d, lo, hi)
		}
	}
	if got := Between(src, time.Hour, time.Hour); got != time.Hour {
		t.Fatalf("degenerate range = %v, want 1h", got)
	}
}

func TestLockedConcurrentUse(t *testing.T) {
	t.Parallel()
	src := NewTimeSeeded("test")
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if v := src.Float64(); v < 0 || v >= 1 {
					t.Errorf("Float64 out of range: %v", v)
					return
				}
				_ = src.IntN(3)
			}
		}()
	}
	wg.Wait()
}
