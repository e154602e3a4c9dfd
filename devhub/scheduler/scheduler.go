// Package scheduler runs periodic jobs declared in the manifest. Each tick the
// due instances are dispatched as independent goroutines; failure and overdue
// policies decide whether a series continues.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/devhub/devhub/manifest"
	"github.com/tomyedwab/devhub/devhub/registry"
	"github.com/tomyedwab/devhub/devhub/runlog"
)

const defaultTick = time.Second

// Resolver maps a schedule's function reference to the job body.
type Resolver interface {
	Lookup(ref string) (registry.JobFunc, error)
}

// Config holds configuration options for the Scheduler.
type Config struct {
	Jobs     Resolver
	History  runlog.Sink      // Optional, written for every run
	Remote   runlog.Sink      // Optional, written only when LocalDev is false
	LocalDev bool
	Tick     time.Duration    // Optional, defaults to 1s
	Now      func() time.Time // Optional, defaults to time.Now
	Logger   *slog.Logger     // Optional, defaults to slog.Default()
}

// Scheduler owns the JobInstances. Their state changes only on Load and when
// a run finishes.
type Scheduler struct {
	mu   sync.Mutex
	jobs []*JobInstance
	seq  int

	resolver Resolver
	history  runlog.Sink
	remote   runlog.Sink
	localDev bool
	tick     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a Scheduler with no jobs.
func New(config Config) *Scheduler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := config.Tick
	if tick == 0 {
		tick = defaultTick
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		resolver: config.Jobs,
		history:  config.History,
		remote:   config.Remote,
		localDev: config.LocalDev,
		tick:     tick,
		now:      now,
		logger:   logger.With("component", "Scheduler"),
	}
}

// Load replaces the schedule set. Instances whose definition is unchanged
// keep their run-state; new or changed definitions start fresh, and
// run_immediately ones are force-run on the next tick. A changed definition
// whose previous instance is mid-run is not dispatched until that run ends.
func (s *Scheduler) Load(defs []manifest.ScheduleDefinition) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]*JobInstance, len(s.jobs))
	for _, j := range s.jobs {
		existing[j.Def.UID] = j
	}

	jobs := make([]*JobInstance, 0, len(defs))
	for _, def := range defs {
		old, ok := existing[def.UID]
		if ok && old.Def == def {
			jobs = append(jobs, old)
			delete(existing, def.UID)
			continue
		}
		if ok {
			delete(existing, def.UID)
			s.logger.Info("Job definition changed, resetting run-state", "job", def.Name)
		}
		s.seq++
		j := newJobInstance(def, now, s.seq)
		if ok && old.running {
			// The new series waits for the old run instead of overlapping it.
			j.after = old
		}
		jobs = append(jobs, j)
		s.logger.Info("Job scheduled", "job", def.Name, "every", def.Interval(), "nextRun", j.NextRun)
	}
	for _, j := range existing {
		// A run in flight finishes, but its result is no longer applied anywhere.
		s.logger.Info("Job unscheduled", "job", j.Def.Name, "running", j.running)
	}
	s.jobs = jobs
}

// dueJobs marks and returns the instances to dispatch at now, in dispatch
// order (NextRun, then insertion order), with the slot each one runs for.
func (s *Scheduler) dueJobs(now time.Time) ([]*JobInstance, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*JobInstance
	for _, j := range s.jobs {
		if j.Cancelled || j.running {
			continue
		}
		if j.after != nil {
			if j.after.running {
				continue
			}
			j.after = nil
		}
		if j.force || j.Due(now) {
			due = append(due, j)
		}
	}
	slices.SortStableFunc(due, func(a, b *JobInstance) int {
		if c := a.NextRun.Compare(b.NextRun); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	slots := make([]time.Time, len(due))
	for i, j := range due {
		slots[i] = j.NextRun
		if j.force {
			slots[i] = now
			j.force = false
		}
		j.running = true
	}
	return due, slots
}

// Tick dispatches every due instance as its own goroutine and returns how
// many were dispatched. It does not wait for them.
func (s *Scheduler) Tick(ctx context.Context) int {
	due, slots := s.dueJobs(s.now())
	for i, j := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, j, slots[i])
		}()
	}
	return len(due)
}

// Wait blocks until every dispatched run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run ticks until ctx is done, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", "tick", s.tick, "jobs", len(s.Jobs()))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping, waiting for running jobs")
			s.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Jobs returns a snapshot of every instance in load order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		statuses = append(statuses, j.status())
	}
	return statuses
}

func (s *Scheduler) sinksFor(ctx context.Context, logger *slog.Logger) *runSinks {
	rs := &runSinks{ctx: context.WithoutCancel(ctx), logger: logger}
	if s.history != nil {
		rs.sinks = append(rs.sinks, s.history)
	}
	if s.remote != nil && !s.localDev {
		rs.sinks = append(rs.sinks, s.remote)
	}
	return rs
}

// run executes one slot of j and applies the resulting policy.
func (s *Scheduler) run(ctx context.Context, j *JobInstance, slot time.Time) Result {
	def := j.Def
	interval := def.Interval()
	logger := s.logger.With("job", def.Name)

	start := s.now()
	if j.Overdue(slot, start) {
		result := Cancel(fmt.Sprintf("overdue: slot %s is more than %s behind", slot.Format(time.RFC3339), interval))
		s.apply(j, time.Time{}, false, result)
		logger.Warn("Job series cancelled", "reason", result.Reason())
		return result
	}

	jr := &JobRun{ID: uuid.NewString(), Def: def, Start: start}
	runLogger := logger.With("runID", jr.ID)
	sinks := s.sinksFor(ctx, runLogger)
	sinks.create(jr)

	runLogger.Info("Job run started", "slot", slot)
	out := &runWriter{run: jr, sinks: sinks, logger: runLogger, now: s.now}
	err := s.execute(ctx, def, out)
	out.Flush()
	jr.End = s.now()

	var result Result
	cancelled := false
	if err != nil {
		jr.Err = &JobExecutionError{Job: def.Name, RunID: jr.ID, Err: err}
		runLogger.Error("Job run failed", "error", err, "duration", jr.End.Sub(start))
		if def.CancelOnFailure {
			result = Cancel("failure: " + err.Error())
			cancelled = true
		}
	}
	if !cancelled {
		next := NextRun(slot, interval)
		if j.Overdue(next, jr.End) {
			result = Cancel(fmt.Sprintf("overdue: run ended %s after its next slot", jr.End.Sub(next)))
		} else {
			result = Continue(next)
		}
	}

	jr.Success = err == nil
	if !result.Cancelled() {
		jr.NextRun = result.Next()
	}
	s.apply(j, start, err != nil, result)
	sinks.finish(jr)

	if result.Cancelled() {
		runLogger.Warn("Job series cancelled", "reason", result.Reason())
	} else {
		runLogger.Info("Job run finished", "success", jr.Success, "duration", jr.End.Sub(start), "nextRun", result.Next())
	}
	return result
}

// execute resolves and calls the job body, turning a panic into an error.
func (s *Scheduler) execute(ctx context.Context, def manifest.ScheduleDefinition, out io.Writer) (err error) {
	fn, err := s.resolver.Lookup(def.Function)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, out)
}

// apply records the outcome of a slot on j.
func (s *Scheduler) apply(j *JobInstance, started time.Time, failed bool, result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j.running = false
	if !started.IsZero() {
		j.LastRun = started
		j.Runs++
	}
	if failed {
		j.Failures++
	}
	if result.Cancelled() {
		j.Cancelled = true
		j.CancelReason = result.Reason()
		return
	}
	j.NextRun = result.Next()
}
