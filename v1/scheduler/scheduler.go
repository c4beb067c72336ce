// Package scheduler pumps interval jobs: deadline sweeps, settlement
// passes, anything that must run at least as often as the shortest
// deadline it services. Jobs are expected to tolerate no-op runs; the
// pump never cares whether a tick found work.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/draftwire/lockstep/v1/leader"
)

// Job is one scheduled unit of work. Errors are logged and absorbed;
// a failing job runs again on its next tick.
type Job func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	run      Job
	elector  *leader.Elector
}

// JobOption configures one registered job.
type JobOption func(*job)

// WithElector gates a job's ticks on session leadership: a tick runs
// only if the elector's lock is free, so one instance of a fleet does
// the work while the rest skip.
func WithElector(e *leader.Elector) JobOption {
	return func(j *job) { j.elector = e }
}

// Scheduler runs registered jobs on jittered tickers, one goroutine
// per job.
type Scheduler struct {
	mu   sync.Mutex
	jobs []*job
}

// New returns an empty Scheduler.
func New() *Scheduler { return &Scheduler{} }

// Every registers fn to run roughly every interval. Registration after
// Run has started is not supported. Panics on a non-positive interval:
// that is a wiring bug, not a runtime condition.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job, opts ...JobOption) {
	if interval <= 0 {
		panic("scheduler: non-positive interval for job " + name)
	}
	j := &job{name: name, interval: interval, run: fn}
	for _, opt := range opts {
		opt(j)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
}

// Run starts every registered job and blocks until ctx ends and all
// pumps have drained.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]*job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			s.pump(ctx, j)
		}(j)
	}
	wg.Wait()
}

func (s *Scheduler) pump(ctx context.Context, j *job) {
	timer := time.NewTimer(jittered(j.interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.tick(ctx, j)
		timer.Reset(jittered(j.interval))
	}
}

func (s *Scheduler) tick(ctx context.Context, j *job) {
	runID, err := uuid.GenerateUUID()
	if err != nil {
		runID = "unknown"
	}
	start := time.Now()

	if j.elector != nil {
		_, led, err := leader.RunAsLeader(ctx, j.elector, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, j.run(ctx)
		})
		switch {
		case err != nil:
			slog.Warn("lockstep: scheduled job failed",
				"job", j.name, "run", runID, "elapsed", time.Since(start), "err", err)
		case !led:
			slog.Debug("lockstep: scheduled job skipped, not leader",
				"job", j.name, "run", runID)
		default:
			slog.Debug("lockstep: scheduled job ran",
				"job", j.name, "run", runID, "elapsed", time.Since(start))
		}
		return
	}

	if err := j.run(ctx); err != nil {
		slog.Warn("lockstep: scheduled job failed",
			"job", j.name, "run", runID, "elapsed", time.Since(start), "err", err)
		return
	}
	slog.Debug("lockstep: scheduled job ran",
		"job", j.name, "run", runID, "elapsed", time.Since(start))
}

// jittered spreads an interval by ±10% so co-scheduled instances
// drift apart instead of stampeding the same deadlines.
func jittered(interval time.Duration) time.Duration {
	spread := int64(interval) / 5
	return interval - interval/10 + time.Duration(rand.Int63n(spread+1))
}
