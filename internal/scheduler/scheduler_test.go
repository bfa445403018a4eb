package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"duoshe/internal/randx"
	"duoshe/internal/storage"
	logx "duoshe/pkg/logx"
)

var testCfg = Config{
	MinInterval:       6 * time.Hour,
	MaxInterval:       8 * time.Hour,
	PollInterval:      time.Minute,
	DiscoveryInterval: 10 * time.Minute,
	RunTimeout:        time.Minute,
}

type staticGroups struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (g *staticGroups) ListGroups(context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ids...), g.err
}

func (g *staticGroups) set(ids ...string) {
	g.mu.Lock()
	g.ids = ids
	g.mu.Unlock()
}

type countingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
	block chan struct{}
}

func (r *countingRunner) RunGroup(ctx context.Context, groupID string) error {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[groupID]++
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

func (r *countingRunner) count(groupID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[groupID]
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "schedule.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestScheduler(t *testing.T, store Store, groups GroupLister, runner Runner, clock *fixedClock) *Scheduler {
	t.Helper()
	s, err := New(testCfg, store, groups, runner, randx.New(7), WithClock(clock.Now), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func waitRuns(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func inBounds(due, from time.Time) bool {
	return !due.Before(from.Add(testCfg.MinInterval)) && !due.After(from.Add(testCfg.MaxInterval))
}

func TestPastDueFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := openStore(t)
	if err := store.Put(ctx, "G1", clock.Now().Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	runner := &countingRunner{}
	s := newTestScheduler(t, store, &staticGroups{ids: []string{"G1"}}, runner, clock)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := s.Tick(ctx, clock.Now()); n != 1 {
		t.Fatalf("first Tick fired %d groups, want 1", n)
	}
	waitRuns(t, s)
	fireTime := clock.Now()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		s.Tick(ctx, clock.Now())
	}
	waitRuns(t, s)
	if got := runner.count("G1"); got != 1 {
		t.Fatalf("G1 ran %d times, want 1", got)
	}

	due, ok, err := store.Get(ctx, "G1")
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v, %v)", due, ok, err)
	}
	if !inBounds(due, fireTime) {
		t.Fatalf("next due %v not within [fire+%s, fire+%s]", due, testCfg.MinInterval, testCfg.MaxInterval)
	}
}

func TestRunningGroupIsNotFiredAgain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := openStore(t)
	_ = store.Put(ctx, "G1", clock.Now().Add(-time.Second))
	runner := &countingRunner{block: make(chan struct{})}
	s := newTestScheduler(t, store, &staticGroups{ids: []string{"G1"}}, runner, clock)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx, clock.Now())
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		if n := s.Tick(ctx, clock.Now()); n != 0 {
			t.Fatalf("Tick fired %d groups while G1 was running", n)
		}
	}
	snap := s.Snapshot()
	if len(snap) != 1 || !snap[0].Running {
		t.Fatalf("Snapshot = %+v, want G1 running", snap)
	}

	close(runner.block)
	waitRuns(t, s)
	if got := runner.count("G1"); got != 1 {
		t.Fatalf("G1 ran %d times, want 1", got)
	}
	if s.Snapshot()[0].Running {
		t.Fatal("G1 still marked running after completion")
	}
}

func TestFailedAndPanickingRunsAreRescheduled(t *testing.T) {
	t.Parallel()
	runners := map[string]Runner{
		"error": &countingRunner{err: errors.New("napcat down")},
		"panic": RunnerFunc(func(context.Context, string) error { panic("boom") }),
	}
	for name, runner := range runners {
		name, runner := name, runner
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
			store := openStore(t)
			_ = store.Put(ctx, "G1", clock.Now())
			s := newTestScheduler(t, store, &staticGroups{ids: []string{"G1"}}, runner, clock)
			if err := s.Start(ctx); err != nil {
				t.Fatal(err)
			}

			s.Tick(ctx, clock.Now())
			waitRuns(t, s)

			due, _, _ := store.Get(ctx, "G1")
			if !inBounds(due, clock.Now()) {
				t.Fatalf("due after %s = %v, want within bounds of %v", name, due, clock.Now())
			}
			if snap := s.Snapshot(); snap[0].Running || !snap[0].NextDue.Equal(due) {
				t.Fatalf("Snapshot = %+v", snap)
			}
		})
	}
}

func TestNewGroupsAreSeededAndPersisted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := openStore(t)
	runner := &countingRunner{}
	s := newTestScheduler(t, store, &staticGroups{ids: []string{"G1", "G2"}}, runner, clock)

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	persisted, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted = %v, want 2 groups", persisted)
	}
	for id, due := range persisted {
		if !inBounds(due, clock.Now()) {
			t.Fatalf("%s seeded at %v, outside bounds", id, due)
		}
	}
	if n := s.Tick(ctx, clock.Now()); n != 0 {
		t.Fatalf("freshly seeded groups fired immediately: %d", n)
	}
}

func TestRestartKeepsPersistedDueTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := openStore(t)
	groups := &staticGroups{ids: []string{"G1"}}

	first := newTestScheduler(t, store, groups, &countingRunner{}, clock)
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	want := first.Snapshot()

	clock.Advance(time.Hour)
	second := newTestScheduler(t, store, groups, &countingRunner{}, clock)
	if err := second.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, second.Snapshot()); diff != "" {
		t.Fatalf("due time changed across restart (-want +got):\n%s", diff)
	}
}

func TestDiscoveryDropsDepartedGroups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := openStore(t)
	groups := &staticGroups{ids: []string{"G1", "G2"}}
	s := newTestScheduler(t, store, groups, &countingRunner{}, clock)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	groups.set()
	s.Discover(ctx)
	if len(s.Snapshot()) != 2 {
		t.Fatal("empty listing must not drop groups")
	}

	groups.err = errors.New("unreachable")
	s.Discover(ctx)
	if len(s.Snapshot()) != 2 {
		t.Fatal("failed listing must not drop groups")
	}

	groups.err = nil
	groups.set("G2", "G3")
	s.Discover(ctx)
	var ids []string
	for _, g := range s.Snapshot() {
		ids = append(ids, g.GroupID)
	}
	if diff := cmp.Diff([]string{"G2", "G3"}, ids); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := store.Get(ctx, "G1"); ok {
		t.Fatal("G1 still persisted after it left")
	}
}

// corruptStore reports corrupt state on Load and otherwise stores in memory.
type corruptStore struct {
	mu   sync.Mutex
	data map[string]time.Time
	puts atomic.Int32
}

func (c *corruptStore) Load(context.Context) (map[string]time.Time, error) {
	return map[string]time.Time{}, storage.ErrCorruptState
}

func (c *corruptStore) Get(_ context.Context, id string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[id]
	return v, ok, nil
}

func (c *corruptStore) Put(_ context.Context, id string, due time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = due
	c.puts.Add(1)
	return nil
}

func (c *corruptStore) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	return nil
}

func TestCorruptStoreReseeds(t *testing.T) {
	t.Parallel()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := &corruptStore{data: map[string]time.Time{}}
	s := newTestScheduler(t, store, &staticGroups{ids: []string{"G1", "G2"}}, &countingRunner{}, clock)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start on corrupt state: %v", err)
	}
	if got := store.puts.Load(); got != 2 {
		t.Fatalf("re-seeded %d groups, want 2", got)
	}
}

// failingPutStore accepts reads but rejects every write.
type failingPutStore struct{ corruptStore }

func (f *failingPutStore) Load(context.Context) (map[string]time.Time, error) {
	return map[string]time.Time{"G1": time.Unix(0, 0)}, nil
}

func (f *failingPutStore) Put(context.Context, string, time.Time) error {
	return errors.New("disk full")
}

func TestPutFailureStillAdvancesDueTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	runner := &countingRunner{}
	store := &failingPutStore{corruptStore{data: map[string]time.Time{}}}
	s := newTestScheduler(t, store, &staticGroups{ids: []string{"G1"}}, runner, clock)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx, clock.Now())
	waitRuns(t, s)
	clock.Advance(time.Minute)
	s.Tick(ctx, clock.Now())
	waitRuns(t, s)

	if got := runner.count("G1"); got != 1 {
		t.Fatalf("G1 ran %d times, want 1", got)
	}
}

func TestNextIntervalIsUniformWithinBounds(t *testing.T) {
	t.Parallel()
	cfg := testCfg
	cfg.MinInterval = 30 * time.Minute
	cfg.MaxInterval = 120 * time.Minute
	s, err := New(cfg, &corruptStore{}, &staticGroups{}, &countingRunner{}, randx.New(42))
	if err != nil {
		t.Fatal(err)
	}

	const (
		samples = 10000
		buckets = 10
	)
	var counts [buckets]int
	span := cfg.MaxInterval - cfg.MinInterval
	for i := 0; i < samples; i++ {
		d := s.NextInterval()
		if d < cfg.MinInterval || d > cfg.MaxInterval {
			t.Fatalf("interval %s outside [%s, %s]", d, cfg.MinInterval, cfg.MaxInterval)
		}
		b := int(float64(d-cfg.MinInterval) / float64(span) * buckets)
		if b == buckets {
			b--
		}
		counts[b]++
	}

	expected := float64(samples) / buckets
	chi2 := 0.0
	for _, c := range counts {
		diff := float64(c) - expected
		chi2 += diff * diff / expected
	}
	// 99.9th percentile of chi-square with 9 degrees of freedom.
	if chi2 > 27.88 {
		t.Fatalf("chi-square %.2f too large for uniform intervals: %v", chi2, counts)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	bad := testCfg
	bad.MaxInterval = time.Hour
	if _, err := New(bad, &corruptStore{}, &staticGroups{}, &countingRunner{}, randx.New(1)); err == nil {
		t.Fatal("expected error for max < min")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := openStore(t)
	s := newTestScheduler(t, store, &staticGroups{ids: []string{"G1"}}, &countingRunner{}, clock)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNextDueCountsFromFireTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := openStore(t)
	_ = store.Put(ctx, "G1", clock.Now())
	// A slow run: the clock moves on while the exchange is in progress.
	runner := RunnerFunc(func(context.Context, string) error {
		clock.Advance(90 * time.Second)
		return nil
	})
	cfg := testCfg
	cfg.MinInterval, cfg.MaxInterval = time.Hour, time.Hour
	s, err := New(cfg, store, &staticGroups{ids: []string{"G1"}}, runner, randx.New(7),
		WithClock(clock.Now), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	fireTime := clock.Now()
	if n := s.Tick(ctx, fireTime); n != 1 {
		t.Fatalf("Tick fired %d groups, want 1", n)
	}
	waitRuns(t, s)

	due, _, err := store.Get(ctx, "G1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := due.Sub(fireTime); got != time.Hour {
		t.Fatalf("due - fire = %s, want 1h", got)
	}
	if snap := s.Snapshot(); !snap[0].NextDue.Equal(due) {
		t.Fatalf("in-memory due %v, persisted %v", snap[0].NextDue, due)
	}
}

func TestDueTimesMatchStoreResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// A wall clock with sub-millisecond precision.
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 123456789, time.UTC)}
	store := openStore(t)
	s := newTestScheduler(t, store, &staticGroups{ids: []string{"G1"}}, &countingRunner{}, clock)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	check := func(stage string) {
		t.Helper()
		due, ok, err := store.Get(ctx, "G1")
		if err != nil || !ok {
			t.Fatalf("%s: Get = (%v, %v, %v)", stage, due, ok, err)
		}
		if got := s.Snapshot()[0].NextDue; !got.Equal(due) {
			t.Fatalf("%s: in-memory due %v, persisted %v", stage, got, due)
		}
		if due.Nanosecond()%int(time.Millisecond) != 0 {
			t.Fatalf("%s: due %v is not a whole millisecond", stage, due)
		}
	}
	check("seeded")

	clock.Advance(testCfg.MaxInterval)
	if n := s.Tick(ctx, clock.Now()); n != 1 {
		t.Fatalf("Tick fired %d groups, want 1", n)
	}
	waitRuns(t, s)
	check("rescheduled")
}

func TestPersistInFlightAdvancesAbandonedRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := openStore(t)
	_ = store.Put(ctx, "G1", clock.Now())
	_ = store.Put(ctx, "G2", clock.Now().Add(time.Hour))
	runner := &countingRunner{block: make(chan struct{})}
	s := newTestScheduler(t, store, &staticGroups{ids: []string{"G1", "G2"}}, runner, clock)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	fireTime := clock.Now()
	s.Tick(ctx, fireTime)
	clock.Advance(30 * time.Second)
	if n := s.PersistInFlight(ctx); n != 1 {
		t.Fatalf("PersistInFlight = %d, want 1", n)
	}

	due, _, _ := store.Get(ctx, "G1")
	if !inBounds(due, fireTime) {
		t.Fatalf("abandoned run persisted due %v, want within bounds of %v", due, fireTime)
	}
	if idle, _, _ := store.Get(ctx, "G2"); !idle.Equal(fireTime.Add(time.Hour)) {
		t.Fatalf("idle group due changed to %v", idle)
	}

	close(runner.block)
	waitRuns(t, s)
	if got := runner.count("G1"); got != 1 {
		t.Fatalf("G1 ran %d times, want 1", got)
	}
}
