// Package scheduler runs named repeating jobs. Installing a job under a name
// that is already taken replaces it, so at most one job per name is live.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Handler func(ctx context.Context) error

type Job struct {
	Name     string
	First    time.Duration
	Interval time.Duration
	Handler  Handler

	stop    chan struct{}
	running sync.Mutex

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
	runs    int
	skipped int
}

type JobStatus struct {
	Name     string
	Interval time.Duration
	LastRun  time.Time
	LastErr  error
	Runs     int
	Skipped  int
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		Name:     j.Name,
		Interval: j.Interval,
		LastRun:  j.lastRun,
		LastErr:  j.lastErr,
		Runs:     j.runs,
		Skipped:  j.skipped,
	}
}

type Scheduler struct {
	ctx     context.Context
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// New returns a scheduler whose handlers run under ctx, each bounded by
// timeout when it is positive.
func New(ctx context.Context, timeout time.Duration) *Scheduler {
	return &Scheduler{ctx: ctx, timeout: timeout, jobs: make(map[string]*Job)}
}

// Every installs fn under name, first firing after first and then every
// interval. A job already registered under name is cancelled first.
func (s *Scheduler) Every(name string, first, interval time.Duration, fn Handler) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %q: interval must be positive", name)
	}
	job := &Job{Name: name, First: first, Interval: interval, Handler: fn, stop: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(name)
	s.jobs[name] = job

	s.wg.Add(1)
	go s.loop(job)
	slog.Info("job scheduled", "job", name, "first", first, "interval", interval)
	return nil
}

// Cancel stops future firings of name. A firing already in progress runs to
// completion. It reports whether a job was installed.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(name)
}

func (s *Scheduler) cancelLocked(name string) bool {
	job, ok := s.jobs[name]
	if !ok {
		return false
	}
	close(job.stop)
	delete(s.jobs, name)
	slog.Info("job cancelled", "job", name)
	return true
}

func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Count is the number of installed jobs.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	statuses := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		statuses[i] = j.Status()
	}
	return statuses
}

// Stop cancels every job and waits for in-flight firings.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for name := range s.jobs {
		s.cancelLocked(name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(job *Job) {
	defer s.wg.Done()

	timer := time.NewTimer(job.First)
	defer timer.Stop()
	select {
	case <-job.stop:
		return
	case <-s.ctx.Done():
		return
	case <-timer.C:
	}
	s.fire(job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-job.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.fire(job)
		}
	}
}

// fire starts one run on its own goroutine so a slow handler never delays
// the timer. A firing that finds the previous run still busy is skipped, and
// so is a tick that raced a cancel.
func (s *Scheduler) fire(job *Job) {
	select {
	case <-job.stop:
		return
	default:
	}
	if !job.running.TryLock() {
		job.mu.Lock()
		job.skipped++
		job.mu.Unlock()
		slog.Warn("job still running, firing skipped", "job", job.Name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer job.running.Unlock()
		s.run(job)
	}()
}

func (s *Scheduler) run(job *Job) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = job.Handler(ctx)
	}()

	job.mu.Lock()
	job.lastRun = start
	job.lastErr = err
	job.runs++
	job.mu.Unlock()

	if err != nil {
		slog.Error("job failed", "job", job.Name, "elapsed", time.Since(start), "error", err)
		return
	}
	slog.Debug("job done", "job", job.Name, "elapsed", time.Since(start))
}
