// Package scheduler fires one run per group at randomized intervals.
//
// Each group is either idle (armed with a next due time) or running. A poll
// tick starts every idle group whose due time has passed; when the run ends,
// whatever its outcome, the group is re-armed at its fire time plus a new
// interval in [min, max], persists that due time and goes back to idle. Due times survive
// restarts through the Store; a due time restored from the past fires once
// at the first tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"duoshe/internal/randx"
	"duoshe/internal/storage"
	logx "duoshe/pkg/logx"
)

// Runner performs one run for a group. Its error only affects logging; the
// group is rescheduled either way.
type Runner interface {
	RunGroup(ctx context.Context, groupID string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, groupID string) error

func (f RunnerFunc) RunGroup(ctx context.Context, groupID string) error { return f(ctx, groupID) }

// GroupLister discovers the groups to schedule.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]string, error)
}

// Store persists due times. storage.Store satisfies it.
type Store interface {
	Load(ctx context.Context) (map[string]time.Time, error)
	Get(ctx context.Context, groupID string) (time.Time, bool, error)
	Put(ctx context.Context, groupID string, nextDue time.Time) error
	Delete(ctx context.Context, groupID string) error
}

type Config struct {
	MinInterval       time.Duration
	MaxInterval       time.Duration
	PollInterval      time.Duration
	DiscoveryInterval time.Duration
	// RunTimeout bounds one run, including runs still going at shutdown.
	RunTimeout time.Duration
}

func (c Config) validate() error {
	switch {
	case c.MinInterval <= 0:
		return errors.New("min interval must be > 0")
	case c.MaxInterval < c.MinInterval:
		return fmt.Errorf("max interval %s < min interval %s", c.MaxInterval, c.MinInterval)
	case c.PollInterval <= 0:
		return errors.New("poll interval must be > 0")
	}
	return nil
}

// GroupStatus is one row of Snapshot.
type GroupStatus struct {
	GroupID string
	NextDue time.Time
	Running bool
}

type groupState struct {
	nextDue time.Time
	running bool
	firedAt time.Time
}

type Scheduler struct {
	cfg    Config
	store  Store
	groups GroupLister
	runner Runner
	rand   randx.Source
	log    logx.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*groupState

	inflight sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func New(cfg Config, store Store, groups GroupLister, runner Runner, src randx.Source, opts ...Option) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil || groups == nil || runner == nil || src == nil {
		return nil, errors.New("scheduler: store, group lister, runner and random source are required")
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 10 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		groups: groups,
		runner: runner,
		rand:   src,
		log:    logx.Nop(),
		now:    time.Now,
		states: map[string]*groupState{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s, nil
}

// NextInterval draws a run interval uniformly from [min, max] at
// millisecond resolution.
func (s *Scheduler) NextInterval() time.Duration {
	d := randx.Between(s.rand, s.cfg.MinInterval, s.cfg.MaxInterval).Truncate(time.Millisecond)
	return max(d, s.cfg.MinInterval)
}

// dueFrom returns from plus a fresh interval. The result is a whole
// millisecond, the resolution of the store, so the armed instant and the
// persisted one are identical.
func (s *Scheduler) dueFrom(from time.Time) time.Time {
	return from.Truncate(time.Millisecond).Add(s.NextInterval())
}

// Start restores persisted due times and runs a first discovery. A corrupt
// store is logged and treated as empty; every group is then re-seeded.
func (s *Scheduler) Start(ctx context.Context) error {
	persisted, err := s.store.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrCorruptState):
		s.log.Warn("schedule state unreadable; re-seeding all groups", logx.Err(err))
		persisted = map[string]time.Time{}
	case err != nil:
		return fmt.Errorf("load schedule: %w", err)
	}

	s.mu.Lock()
	for id, due := range persisted {
		s.states[id] = &groupState{nextDue: due}
	}
	s.mu.Unlock()
	s.log.Debug("schedule restored", logx.Int("groups", len(persisted)))

	s.Discover(ctx)
	return nil
}

// Discover reconciles the scheduled groups with the current group list.
// New groups are seeded and persisted; groups no longer listed are dropped.
// A failed or empty listing changes nothing.
func (s *Scheduler) Discover(ctx context.Context) {
	listed, err := s.groups.ListGroups(ctx)
	if err != nil {
		s.log.Warn("group discovery failed; keeping current groups", logx.Err(err))
		return
	}
	if len(listed) == 0 {
		s.log.Debug("group discovery returned no groups; keeping current groups")
		return
	}

	want := make(map[string]struct{}, len(listed))
	var added []string
	s.mu.Lock()
	for _, id := range listed {
		want[id] = struct{}{}
		if _, ok := s.states[id]; !ok {
			added = append(added, id)
		}
	}
	var removed []string
	for id, st := range s.states {
		if _, ok := want[id]; ok || st.running {
			// A running group is reconsidered at the next discovery.
			continue
		}
		removed = append(removed, id)
		delete(s.states, id)
	}
	s.mu.Unlock()

	for _, id := range added {
		s.addGroup(ctx, id)
	}
	for _, id := range removed {
		if err := s.store.Delete(ctx, id); err != nil {
			s.log.Warn("failed to delete schedule of departed group", logx.String("group_id", id), logx.Err(err))
			continue
		}
		s.log.Info("group removed from schedule", logx.String("group_id", id))
	}
}

func (s *Scheduler) addGroup(ctx context.Context, id string) {
	due, ok, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Warn("failed to read persisted schedule", logx.String("group_id", id), logx.Err(err))
		ok = false
	}
	if !ok {
		due = s.dueFrom(s.now())
		if err := s.store.Put(ctx, id, due); err != nil {
			s.log.Warn("failed to persist new group schedule", logx.String("group_id", id), logx.Err(err))
		}
	}

	s.mu.Lock()
	if _, exists := s.states[id]; !exists {
		s.states[id] = &groupState{nextDue: due}
	}
	s.mu.Unlock()
	s.log.Info("group scheduled", logx.String("group_id", id), logx.Time("next_due", due), logx.Bool("restored", ok))
}

// Tick starts a run for every idle group due at now. A group that is still
// running is never started again. Runs use a context detached from ctx and
// bounded by RunTimeout.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	var due []string
	s.mu.Lock()
	for id, st := range s.states {
		if st.running || st.nextDue.After(now) {
			continue
		}
		st.running = true
		st.firedAt = now
		due = append(due, id)
	}
	s.inflight.Add(len(due))
	s.mu.Unlock()

	sort.Strings(due)
	base := context.WithoutCancel(ctx)
	for _, id := range due {
		go s.fire(base, id, now)
	}
	return len(due)
}

func (s *Scheduler) fire(base context.Context, groupID string, firedAt time.Time) {
	defer s.inflight.Done()
	started := s.now()
	log := s.log.With(logx.String("group_id", groupID))

	err := s.runSafely(base, groupID)
	switch {
	case err != nil:
		log.Warn("run failed", logx.Err(err), logx.Duration("took", s.now().Sub(started)))
	default:
		log.Debug("run finished", logx.Duration("took", s.now().Sub(started)))
	}

	s.reschedule(base, groupID, firedAt, log)
}

func (s *Scheduler) runSafely(base context.Context, groupID string) (err error) {
	ctx, cancel := context.WithTimeout(base, s.cfg.RunTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			s.log.Error("run panicked", logx.String("group_id", groupID),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return s.runner.RunGroup(ctx, groupID)
}

// reschedule arms the group again after a run, counting the interval from
// the fire time. The in-memory due time advances even when persisting
// fails.
func (s *Scheduler) reschedule(base context.Context, groupID string, firedAt time.Time, log logx.Logger) {
	next := s.dueFrom(firedAt)

	s.mu.Lock()
	st, ok := s.states[groupID]
	if ok {
		st.nextDue = next
		st.running = false
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(base, 30*time.Second)
	defer cancel()
	if err := s.store.Put(ctx, groupID, next); err != nil {
		log.Error("failed to persist next due time", logx.Time("next_due", next), logx.Err(err))
		return
	}
	log.Info("next run scheduled", logx.Time("next_due", next))
}

// Run drives Tick every PollInterval and Discover every DiscoveryInterval
// until ctx is done. Runs still in flight keep going; use Wait to join them.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(cron.Every(s.cfg.PollInterval), cron.FuncJob(func() {
		s.Tick(ctx, s.now())
	}))
	c.Schedule(cron.Every(s.cfg.DiscoveryInterval), cron.FuncJob(func() {
		s.Discover(ctx)
	}))

	s.Tick(ctx, s.now())
	c.Start()
	s.log.Info("scheduler running",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Duration("discovery", s.cfg.DiscoveryInterval),
		logx.Int("groups", len(s.Snapshot())))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// PersistInFlight persists an advanced due time for every group whose run
// is still going, so a run abandoned at shutdown is not replayed after a
// restart. A run that still finishes later reschedules as usual.
func (s *Scheduler) PersistInFlight(ctx context.Context) int {
	type pending struct {
		id  string
		due time.Time
	}
	var todo []pending
	s.mu.Lock()
	for id, st := range s.states {
		if !st.running {
			continue
		}
		st.nextDue = s.dueFrom(st.firedAt)
		todo = append(todo, pending{id: id, due: st.nextDue})
	}
	s.mu.Unlock()

	for _, p := range todo {
		if err := s.store.Put(ctx, p.id, p.due); err != nil {
			s.log.Error("failed to persist due time of abandoned run",
				logx.String("group_id", p.id), logx.Time("next_due", p.due), logx.Err(err))
			continue
		}
		s.log.Warn("run still in flight at shutdown; schedule advanced",
			logx.String("group_id", p.id), logx.Time("next_due", p.due))
	}
	return len(todo)
}

// Wait blocks until every in-flight run has been rescheduled or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot lists every scheduled group, ordered by group id.
func (s *Scheduler) Snapshot() []GroupStatus {
	s.mu.Lock()
	out := make([]GroupStatus, 0, len(s.states))
	for id, st := range s.states {
		out = append(out, GroupStatus{GroupID: id, NextDue: st.nextDue, Running: st.running})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
