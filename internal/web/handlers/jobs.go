package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/shelf-matcher/internal/batch"
	"github.com/kozaktomas/shelf-matcher/internal/constants"
	"github.com/kozaktomas/shelf-matcher/internal/pipeline"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
)

// MatchJob is one batch matching run started over HTTP.
type MatchJob struct {
	EventBroadcaster

	ID          string
	Status      JobStatus
	Variant     pipeline.Variant
	Concurrency int
	Totals      batch.Totals
	Outcomes    []pipeline.Outcome
	StartedAt   time.Time
	CompletedAt *time.Time

	cancelRequested bool
}

// GetStatus returns the current job status (implements SSEJob).
func (j *MatchJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// JobView is the JSON representation of a job.
type JobView struct {
	ID          string             `json:"id"`
	Status      JobStatus          `json:"status"`
	Variant     pipeline.Variant   `json:"variant"`
	Concurrency int                `json:"concurrency"`
	Totals      batch.Totals       `json:"totals"`
	Outcomes    []pipeline.Outcome `json:"outcomes,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// Snapshot returns a copy that is safe to encode while the job runs.
func (j *MatchJob) Snapshot() JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return JobView{
		ID:          j.ID,
		Status:      j.Status,
		Variant:     j.Variant,
		Concurrency: j.Concurrency,
		Totals:      j.Totals,
		Outcomes:    append([]pipeline.Outcome(nil), j.Outcomes...),
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// Cancel stops the job from starting new items. Items already running
// finish; the job turns cancelled once the batch completes.
func (j *MatchJob) Cancel() bool {
	j.mu.Lock()
	if isJobTerminal(j.Status) {
		j.mu.Unlock()
		return false
	}
	j.cancelRequested = true
	j.mu.Unlock()
	j.EventBroadcaster.Cancel()
	return true
}

func (j *MatchJob) start() {
	j.mu.Lock()
	j.Status = JobStatusRunning
	j.mu.Unlock()
}

func (j *MatchJob) record(ev batch.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Totals = ev.Totals
	if ev.Type != batch.EventComplete {
		return
	}
	now := time.Now()
	j.Outcomes = ev.Outcomes
	j.CompletedAt = &now
	j.Status = JobStatusCompleted
	if j.cancelRequested {
		j.Status = JobStatusCancelled
	}
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	closed    bool
	mu        sync.RWMutex
}

// AddListener adds an event listener. After Close it returns a closed channel.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners. A listener with a full buffer
// misses progress events; for the complete event the oldest buffered event
// is dropped instead.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
			continue
		default:
		}
		if event.Type != eventComplete {
			continue
		}
		select {
		case <-listener:
		default:
		}
		select {
		case listener <- event:
		default:
		}
	}
}

// Close closes every listener channel. No events are delivered afterwards.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, listener := range b.listeners {
		close(listener)
	}
	b.listeners = nil
}

// Cancel cancels the job via context and sends a cancelled event.
func (b *EventBroadcaster) Cancel() {
	if b.cancel != nil {
		b.cancel()
	}
	b.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobManager manages async jobs.
type JobManager struct {
	jobs map[string]*MatchJob
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*MatchJob),
	}
}

// CreateJob registers a pending job. cancel stops the job's batch run.
func (m *JobManager) CreateJob(id string, variant pipeline.Variant, concurrency, total int, cancel context.CancelFunc) *MatchJob {
	job := &MatchJob{
		ID:          id,
		Status:      JobStatusPending,
		Variant:     variant,
		Concurrency: concurrency,
		Totals:      batch.Totals{Total: total},
		StartedAt:   time.Now(),
	}
	job.cancel = cancel

	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()

	return job
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *MatchJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// DeleteJob removes a job.
func (m *JobManager) DeleteJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// ListJobs returns all jobs.
func (m *JobManager) ListJobs() []*MatchJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*MatchJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}
