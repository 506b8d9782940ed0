package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one stage of a pipeline run.
type Job struct {
	ID          string
	Type        string
	Status      JobStatus
	Progress    float64
	StartTime   time.Time
	EndTime     *time.Time
	Error       error
	Result      any
	Description string
	Logs        []string
	cancelFunc  func()
	mu          sync.RWMutex
}

// Manager records the stages of a run in creation order.
type Manager struct {
	RunID string

	jobs  map[string]*Job
	order []string
	log   zerolog.Logger
	now   func() time.Time
	mu    sync.RWMutex
}

func NewManager(runID string, log zerolog.Logger) *Manager {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Manager{
		RunID: runID,
		jobs:  make(map[string]*Job),
		log:   log.With().Str("run_id", runID).Logger(),
		now:   time.Now,
	}
}

func (m *Manager) CreateJob(jobType, description string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Status:      JobPending,
		StartTime:   m.now(),
		Description: description,
		Logs:        []string{},
	}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	return job
}

func (m *Manager) GetJob(jobID string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[jobID]
	return job, exists
}

// ListJobs returns the jobs in the order they were created.
func (m *Manager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		jobs = append(jobs, m.jobs[id])
	}
	return jobs
}

func (m *Manager) CancelJob(jobID string) error {
	job, exists := m.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job %s not found", jobID)
	}

	job.mu.Lock()
	defer job.mu.Unlock()

	if job.Status != JobRunning {
		return fmt.Errorf("job %s is not running", jobID)
	}
	if job.cancelFunc != nil {
		job.cancelFunc()
	}
	job.Status = JobCancelled
	now := time.Now()
	job.EndTime = &now
	return nil
}

// Run executes fn as a new job of jobType. The job's context is cancelled by
// CancelJob; a cancelled job reports JobCancelled instead of JobFailed.
func (m *Manager) Run(ctx context.Context, jobType, description string, fn func(ctx context.Context, job *Job) error) error {
	job := m.CreateJob(jobType, description)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	job.SetCancelFunc(cancel)

	log := m.log.With().Str("stage", jobType).Logger()
	job.SetStatus(JobRunning)
	log.Info().Msg(description)

	err := fn(ctx, job)
	switch {
	case err == nil:
		job.SetProgress(1)
		job.SetStatus(JobCompleted)
		log.Info().Dur("duration", job.Duration()).Msg("stage completed")
		return nil
	case errors.Is(err, context.Canceled):
		job.SetStatus(JobCancelled)
		job.mu.Lock()
		job.Error = err
		job.mu.Unlock()
		log.Warn().Dur("duration", job.Duration()).Msg("stage cancelled")
	default:
		job.SetError(err)
		log.Error().Err(err).Dur("duration", job.Duration()).Msg("stage failed")
	}
	return fmt.Errorf("%s: %w", jobType, err)
}

func (j *Job) SetStatus(status JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	if status == JobCompleted || status == JobFailed || status == JobCancelled {
		now := time.Now()
		j.EndTime = &now
	}
}

func (j *Job) SetProgress(progress float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress = progress
}

func (j *Job) AddLog(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	timestamp := time.Now().Format("15:04:05")
	j.Logs = append(j.Logs, fmt.Sprintf("[%s] %s", timestamp, message))
}

func (j *Job) Logf(format string, args ...any) {
	j.AddLog(fmt.Sprintf(format, args...))
}

func (j *Job) SetError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Error = err
	j.Status = JobFailed
	now := time.Now()
	j.EndTime = &now
}

func (j *Job) SetResult(result any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Result = result
}

func (j *Job) SetCancelFunc(cancelFunc func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelFunc = cancelFunc
}

func (j *Job) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

func (j *Job) GetProgress() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Progress
}

func (j *Job) GetLogs() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	logs := make([]string, len(j.Logs))
	copy(logs, j.Logs)
	return logs
}

// Duration is the elapsed time of the job, up to now while it runs.
func (j *Job) Duration() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}
