// Package scheduler runs periodic maintenance jobs, such as status rotation,
// on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

// JobFunc is the work of a job.
type JobFunc func(ctx context.Context) error

// Job is a registered periodic job.
type Job struct {
	ID       string
	Schedule string
	Run      JobFunc

	LastRunAt time.Time
	LastError string
	Runs      int
}

// Scheduler fires jobs on their cron schedules. A job never overlaps with
// itself; a panic in a job is recovered and recorded.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	running map[string]bool

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler. Schedules use five fields or descriptors
// such as "@every 30m" and "@hourly".
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		parser:  parser,
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		running: make(map[string]bool),
		logger:  logger.With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job. It fails for an empty or duplicate id and for an
// invalid schedule.
func (s *Scheduler) Add(id, schedule string, fn JobFunc) error {
	if id == "" || fn == nil {
		return faults.Invalid("job id and function are required")
	}
	if _, err := s.parser.Parse(schedule); err != nil {
		return faults.Invalid("job %s: schedule %q: %v", id, schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return faults.Invalid("job %q already exists", id)
	}

	job := &Job{ID: id, Schedule: schedule, Run: fn}
	entryID, err := s.cron.AddFunc(schedule, func() { s.execute(job) })
	if err != nil {
		return fmt.Errorf("scheduling job %s: %w", id, err)
	}
	s.jobs[id] = job
	s.entries[id] = entryID

	s.logger.Info("job added", "id", id, "schedule", schedule)
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; !exists {
		return faults.NotFound("job %q", id)
	}
	s.cron.Remove(s.entries[id])
	delete(s.jobs, id)
	delete(s.entries, id)
	s.logger.Info("job removed", "id", id)
	return nil
}

// List returns copies of all jobs ordered by id.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return faults.NotFound("job %q", id)
	}
	s.execute(job)
	return nil
}

// Start begins firing jobs. Jobs see a context that ends with ctx or Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", count)
}

// Stop halts the schedule and waits up to ten seconds for running jobs.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) execute(job *Job) {
	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", job.ID)
		return
	}
	s.running[job.ID] = true
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("job panicked", "id", job.ID, "panic", r)
		}
		s.mu.Lock()
		delete(s.running, job.ID)
		job.LastRunAt = start
		job.Runs++
		job.LastError = ""
		if err != nil {
			job.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("job failed", "id", job.ID, "error", err, "duration_ms", time.Since(start).Milliseconds())
			return
		}
		s.logger.Debug("job done", "id", job.ID, "duration_ms", time.Since(start).Milliseconds())
	}()

	err = job.Run(ctx)
}
