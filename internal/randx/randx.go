// Package randx provides the random source shared by the scheduler, the
// selector and the card exchange. It is injected everywhere so tests can pin
// a seed.
package randx

import (
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Source draws uniform and exponential samples.
type Source interface {
	// Float64 returns a uniform sample in [0, 1).
	Float64() float64
	// ExpFloat64 returns an exponential sample with rate 1.
	ExpFloat64() float64
	// IntN returns a uniform sample in [0, n). It panics if n <= 0.
	IntN(n int) int
}

// Locked is a goroutine-safe Source.
type Locked struct {
	mu sync.Mutex
	r  *rand.Rand
}

// New returns a Source seeded with seed. Identical seeds produce identical
// sequences.
func New(seed uint64) *Locked {
	return &Locked{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

var seedSeq uint64

// NewTimeSeeded returns a Source seeded from the clock, a process-wide
// counter and tag, so two sources created in the same instant still differ.
func NewTimeSeeded(tag string) *Locked {
	seed := uint64(time.Now().UnixNano()) ^ atomic.AddUint64(&seedSeq, 1) ^ fnv64a(tag)
	return New(seed)
}

func (l *Locked) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *Locked) ExpFloat64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.ExpFloat64()
}

func (l *Locked) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// Between returns a duration drawn uniformly from [lo, hi]. If hi <= lo it
// returns lo.
func Between(src Source, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := float64(hi - lo)
	d := lo + time.Duration(src.Float64()*span)
	if d > hi {
		d = hi
	}
	return d
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
