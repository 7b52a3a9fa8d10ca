// Package batch runs long-lived jobs over record sets: identity
// matching, validation, quality scoring, deduplication, household
// feature extraction, and export. Jobs move through a strict state
// machine and stream per-record outcomes to an embedded results store.
package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/telemetry"
)

// MaxConcurrentJobs bounds simultaneously running jobs.
const MaxConcurrentJobs = 3

// Sentinel errors.
var (
	ErrJobNotFound = model.NewError(model.ErrNotFound, "batch job not found")
	ErrTerminal    = model.NewError(model.ErrConflict, "batch job is in a terminal state")
	ErrTransition  = model.NewError(model.ErrConflict, "invalid batch job state transition")
)

// Resolver is the matching port the identity_matching job type drives.
type Resolver interface {
	Resolve(ctx context.Context, req model.ResolveRequest) (model.MatchResult, error)
}

type jobState struct {
	job     model.BatchJob
	records []model.Identity

	// Deduplication scratch, sized with the record set.
	norms     []model.Identity
	survivors []int
}

// Manager is the batch job registry and scheduler.
type Manager struct {
	resolver Resolver
	results  *Results
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	jobs    map[uuid.UUID]*jobState
	running int

	wake     chan struct{}
	rootCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates and starts a manager. The scheduler goroutine
// runs until Close.
func NewManager(resolver Resolver, results *Results, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		resolver: resolver,
		results:  results,
		logger:   logger,
		now:      time.Now,
		jobs:     make(map[uuid.UUID]*jobState),
		wake:     make(chan struct{}, 1),
		rootCtx:  ctx,
		stop:     cancel,
	}
	m.registerMetrics()
	m.wg.Add(1)
	go m.schedule()
	return m
}

// Submit registers a job and queues it for execution.
func (m *Manager) Submit(_ context.Context, req model.SubmitJobRequest) (model.SubmitJobResponse, error) {
	if !model.ValidJobType(req.Type) {
		return model.SubmitJobResponse{}, model.NewError(model.ErrInvalidInput, "unknown job type")
	}
	if len(req.Records) == 0 {
		return model.SubmitJobResponse{}, model.NewError(model.ErrInvalidInput, "job has no records")
	}

	now := m.now()
	eta := estimateCompletion(now, req.Type, len(req.Records))
	st := &jobState{
		job: model.BatchJob{
			ID:                  uuid.New(),
			Name:                req.Name,
			Type:                req.Type,
			Status:              model.JobQueued,
			Priority:            model.ParseJobPriority(req.Priority),
			CreatedAt:           now,
			TotalRecords:        len(req.Records),
			Config:              req.Config,
			EstimatedCompletion: &eta,
		},
		records: req.Records,
	}
	if req.Type == model.JobDeduplication {
		st.norms = make([]model.Identity, len(req.Records))
		st.survivors = make([]int, len(req.Records))
	}

	m.mu.Lock()
	m.jobs[st.job.ID] = st
	m.mu.Unlock()
	m.kick()

	m.logger.Info("batch: job submitted",
		"job_id", st.job.ID, "type", st.job.Type,
		"priority", st.job.Priority.String(), "records", st.job.TotalRecords)
	return model.SubmitJobResponse{
		JobID:               st.job.ID,
		Status:              st.job.Status,
		TotalRecords:        st.job.TotalRecords,
		EstimatedCompletion: &eta,
	}, nil
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id uuid.UUID) (model.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.jobs[id]
	if !ok {
		return model.BatchJob{}, ErrJobNotFound
	}
	return st.job, nil
}

// List returns job snapshots, newest first, optionally filtered by
// status.
func (m *Manager) List(status model.JobStatus) []model.BatchJob {
	m.mu.RLock()
	out := make([]model.BatchJob, 0, len(m.jobs))
	for _, st := range m.jobs {
		if status != "" && st.job.Status != status {
			continue
		}
		out = append(out, st.job)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Cancel moves a non-terminal job to cancelled. Running jobs stop at
// the next record boundary; progress so far is kept.
func (m *Manager) Cancel(id uuid.UUID) error {
	return m.transition(id, func(st *jobState) error {
		switch st.job.Status {
		case model.JobQueued, model.JobRunning, model.JobPaused:
			st.job.Status = model.JobCancelled
			ended := m.now()
			st.job.EndedAt = &ended
			return nil
		default:
			return ErrTerminal
		}
	})
}

// Pause suspends a running job at the next record boundary.
func (m *Manager) Pause(id uuid.UUID) error {
	return m.transition(id, func(st *jobState) error {
		if st.job.Status.Terminal() {
			return ErrTerminal
		}
		if st.job.Status != model.JobRunning {
			return ErrTransition
		}
		st.job.Status = model.JobPaused
		return nil
	})
}

// Resume requeues a paused job; it continues from its last processed
// record.
func (m *Manager) Resume(id uuid.UUID) error {
	err := m.transition(id, func(st *jobState) error {
		if st.job.Status.Terminal() {
			return ErrTerminal
		}
		if st.job.Status != model.JobPaused {
			return ErrTransition
		}
		st.job.Status = model.JobQueued
		return nil
	})
	if err == nil {
		m.kick()
	}
	return err
}

// Results returns one page of a job's outcome stream.
func (m *Manager) Results(ctx context.Context, id uuid.UUID, page, limit int, status model.RecordStatus) (model.JobResultsPage, error) {
	if _, err := m.Get(id); err != nil {
		return model.JobResultsPage{}, err
	}
	return m.results.Page(ctx, id, page, limit, status)
}

// Export streams a job's outcomes to w in the requested format.
func (m *Manager) Export(ctx context.Context, id uuid.UUID, format Format, w io.Writer) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	return export(ctx, m.results, id, format, w)
}

// Counts returns (running, queued) job counts.
func (m *Manager) Counts() (running, queued int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.jobs {
		switch st.job.Status {
		case model.JobRunning:
			running++
		case model.JobQueued:
			queued++
		}
	}
	return running, queued
}

// Close stops the scheduler and waits for running jobs to reach a
// record boundary and exit. ctx bounds the wait.
func (m *Manager) Close(ctx context.Context) error {
	m.stopOnce.Do(m.stop)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) transition(id uuid.UUID, fn func(*jobState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	return fn(st)
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// schedule starts queued jobs while capacity allows, highest priority
// first, FIFO within a class.
func (m *Manager) schedule() {
	defer m.wg.Done()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-m.wake:
		}
		for m.startNext() {
		}
	}
}

func (m *Manager) startNext() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running >= MaxConcurrentJobs {
		return false
	}
	var next *jobState
	for _, st := range m.jobs {
		if st.job.Status != model.JobQueued {
			continue
		}
		if next == nil || before(st.job, next.job) {
			next = st
		}
	}
	if next == nil {
		return false
	}
	next.job.Status = model.JobRunning
	if next.job.StartedAt == nil {
		started := m.now()
		next.job.StartedAt = &started
	}
	m.running++
	m.wg.Add(1)
	go m.runJob(next)
	return true
}

// before orders queued jobs: priority class, then submission time.
func before(a, b model.BatchJob) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// runJob processes records from the job's checkpoint until done,
// paused, or cancelled. Pause and cancel are honored only at record
// boundaries so no record is half-counted.
func (m *Manager) runJob(st *jobState) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
		m.kick()
	}()

	r := &runner{mgr: m, job: st}
	for {
		m.mu.Lock()
		status := st.job.Status
		idx := st.job.ProcessedRecords
		m.mu.Unlock()

		if status != model.JobRunning || m.rootCtx.Err() != nil {
			m.flush(st)
			return
		}
		if idx >= len(st.records) {
			break
		}

		out := r.processRecord(m.rootCtx, idx, st.records[idx])
		if err := m.results.Append(m.rootCtx, st.job.ID, out); err != nil {
			m.logger.Error("batch: result append failed", "job_id", st.job.ID, "error", err)
		}

		m.mu.Lock()
		st.job.ProcessedRecords++
		if out.Status == model.RecordError {
			st.job.FailedRecords++
		} else {
			st.job.SuccessfulRecords++
		}
		abort := out.Status == model.RecordError && st.job.Config.AbortOnError
		if abort {
			st.job.Status = model.JobFailed
			st.job.ErrorMessage = out.Error
			ended := m.now()
			st.job.EndedAt = &ended
		}
		m.mu.Unlock()

		if abort {
			m.flush(st)
			m.logger.Warn("batch: job aborted on record error", "job_id", st.job.ID, "error", out.Error)
			return
		}
	}

	m.mu.Lock()
	if st.job.Status == model.JobRunning {
		st.job.Status = model.JobCompleted
		ended := m.now()
		st.job.EndedAt = &ended
	}
	m.mu.Unlock()
	m.flush(st)
	m.logger.Info("batch: job finished",
		"job_id", st.job.ID, "status", st.job.Status,
		"processed", st.job.ProcessedRecords, "failed", st.job.FailedRecords)
}

func (m *Manager) flush(st *jobState) {
	if err := m.results.Flush(context.WithoutCancel(m.rootCtx), st.job.ID); err != nil &&
		!errors.Is(err, context.Canceled) {
		m.logger.Error("batch: result flush failed", "job_id", st.job.ID, "error", err)
	}
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("idxr/batch")
	_, _ = meter.Int64ObservableGauge("idxr.batch.running_jobs",
		metric.WithDescription("Jobs currently executing"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			running, _ := m.Counts()
			o.Observe(int64(running))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("idxr.batch.queued_jobs",
		metric.WithDescription("Jobs waiting for a runner slot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			_, queued := m.Counts()
			o.Observe(int64(queued))
			return nil
		}),
	)
}
