package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/kolam/internal/observability"
)

// Job is one named maintenance task.
type Job struct {
	Name     string
	Schedule Schedule
	// Immediate jobs run once at Start in addition to their schedule.
	Immediate bool
	Run       func(ctx context.Context) error
}

// JobStatus is a point-in-time snapshot of one job's state.
type JobStatus struct {
	Name              string     `json:"name"`
	Running           bool       `json:"running"`
	NextRunAt         *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt         *time.Time `json:"lastRunAt,omitempty"`
	LastDurationMs    int64      `json:"lastDurationMs,omitempty"`
	LastStatus        string     `json:"lastStatus,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	ConsecutiveErrors int        `json:"consecutiveErrors"`
}

type jobState struct {
	running           bool
	nextRunAt         time.Time
	lastRunAt         time.Time
	lastDuration      time.Duration
	lastStatus        string
	lastError         string
	consecutiveErrors int
}

type job struct {
	def   Job
	state jobState
}

// Scheduler fires registered jobs on their schedules.
type Scheduler struct {
	mu      sync.Mutex
	names   []string
	jobs    map[string]*job
	timers  map[string]*time.Timer
	started bool
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]*job),
		timers: make(map[string]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job. Jobs registered after Start are scheduled right away.
func (s *Scheduler) Register(def Job) error {
	if def.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if def.Run == nil {
		return fmt.Errorf("job %s has no run function", def.Name)
	}
	if err := def.Schedule.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", def.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if _, exists := s.jobs[def.Name]; exists {
		return fmt.Errorf("job %s is already registered", def.Name)
	}

	j := &job{def: def}
	s.jobs[def.Name] = j
	s.names = append(s.names, def.Name)

	if s.started {
		s.scheduleLocked(j)
	}

	log.Info().Str("job", def.Name).Msg("Maintenance job registered")
	return nil
}

// Start schedules every registered job. Immediate jobs also fire once now.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	var immediate []*job
	for _, name := range s.names {
		j := s.jobs[name]
		s.scheduleLocked(j)
		if j.def.Immediate {
			immediate = append(immediate, j)
		}
	}
	s.mu.Unlock()

	for _, j := range immediate {
		go s.executeJob(j)
	}

	log.Info().Int("jobCount", len(s.names)).Msg("Maintenance scheduler started")
}

// RunNow fires a job outside its schedule. Overlap rules still apply.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job not found: %s", name)
	}

	go s.executeJob(j)
	return nil
}

// Status returns job snapshots in registration order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.names))
	for _, name := range s.names {
		j := s.jobs[name]
		status := JobStatus{
			Name:              name,
			Running:           j.state.running,
			LastStatus:        j.state.lastStatus,
			LastError:         j.state.lastError,
			LastDurationMs:    j.state.lastDuration.Milliseconds(),
			ConsecutiveErrors: j.state.consecutiveErrors,
		}
		if !j.state.nextRunAt.IsZero() {
			next := j.state.nextRunAt
			status.NextRunAt = &next
		}
		if !j.state.lastRunAt.IsZero() {
			last := j.state.lastRunAt
			status.LastRunAt = &last
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Stop cancels timers, signals in-flight runs and waits for them until ctx
// expires. Safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()

	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop maintenance jobs: %w", ctx.Err())
	}
}

// scheduleLocked arms a job's timer for its next run. Caller holds s.mu.
func (s *Scheduler) scheduleLocked(j *job) {
	next, err := j.def.Schedule.NextRun(time.Now())
	if err != nil {
		log.Error().Str("job", j.def.Name).Err(err).Msg("Failed to calculate next run")
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.timers[j.def.Name] = time.AfterFunc(delay, func() {
		s.executeJob(j)
	})
	j.state.nextRunAt = next

	log.Debug().
		Str("job", j.def.Name).
		Time("nextRun", next).
		Msg("Maintenance job scheduled")
}

func (s *Scheduler) executeJob(j *job) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if j.state.running {
		s.mu.Unlock()
		log.Debug().Str("job", j.def.Name).Msg("Job already running, skipping execution")
		return
	}
	j.state.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	log.Info().Str("job", j.def.Name).Msg("Executing maintenance job")

	start := time.Now()
	err := j.def.Run(s.ctx)
	duration := time.Since(start)

	observability.RecordJobRun(j.def.Name, duration, err == nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	j.state.running = false
	j.state.lastRunAt = start
	j.state.lastDuration = duration

	if err != nil {
		j.state.lastStatus = "error"
		j.state.lastError = err.Error()
		j.state.consecutiveErrors++

		log.Error().
			Str("job", j.def.Name).
			Err(err).
			Int("consecutiveErrors", j.state.consecutiveErrors).
			Msg("Maintenance job failed")
	} else {
		j.state.lastStatus = "ok"
		j.state.lastError = ""
		j.state.consecutiveErrors = 0

		log.Info().
			Str("job", j.def.Name).
			Dur("duration", duration).
			Msg("Maintenance job completed")
	}

	if !s.stopped {
		s.scheduleLocked(j)
	}
}
