// internal/job/manager.go
package job

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store persists job records. Save must be durable before it returns.
type Store interface {
	Save(ctx context.Context, j Job) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Job, error)
}

// Manager owns the job registry and is the only way to change a job.
//
// The registry map is guarded by mu; each entry has its own lock so that a
// slow store write for one job does not hold up readers or writers of another.
// A change is persisted before it becomes visible, and observers are called
// in commit order while the entry lock is held, so an observer must not call
// back into the Manager for the same job.
type Manager struct {
	mu    sync.RWMutex
	jobs  map[string]*entry
	store Store

	obsMu     sync.RWMutex
	observers []func(Job)

	logger *slog.Logger
	now    func() time.Time
}

type entry struct {
	mu   sync.Mutex
	job  Job
	gone bool
}

// NewManager returns a Manager. A nil store keeps jobs in memory only.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		jobs:   make(map[string]*entry),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Observe registers fn to receive a snapshot after every committed change.
func (m *Manager) Observe(fn func(Job)) {
	if fn == nil {
		return
	}
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

// Restore loads persisted jobs into the registry. Processing is not resumable,
// so jobs that were still running when the process stopped are marked failed.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	jobs, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	restored := 0
	for _, j := range jobs {
		if ValidID(j.ID) != nil || !j.Phase.Valid() {
			m.logger.Warn("skipping invalid persisted job", "job_id", j.ID, "phase", j.Phase)
			continue
		}
		if !j.Phase.Terminal() {
			j.Phase = PhaseFailed
			j.Progress = ProgressFailed
			j.Error = "interrupted by restart"
			j.UpdatedAt = m.now()
			if err := m.store.Save(ctx, j); err != nil {
				return restored, fmt.Errorf("save interrupted job %s: %w", j.ID, err)
			}
			m.logger.Info("marked interrupted job failed", "job_id", j.ID)
		}

		m.mu.Lock()
		if _, exists := m.jobs[j.ID]; !exists {
			m.jobs[j.ID] = &entry{job: j}
			restored++
		}
		m.mu.Unlock()
	}
	return restored, nil
}

// Create registers a new job in CREATED.
func (m *Manager) Create(ctx context.Context, id, sourceRef string) (Job, error) {
	if err := ValidID(id); err != nil {
		return Job{}, err
	}

	now := m.now()
	e := &entry{job: Job{
		ID:         id,
		Phase:      PhaseCreated,
		SourcePath: sourceRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}

	m.mu.Lock()
	if _, exists := m.jobs[id]; exists {
		m.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	e.mu.Lock()
	m.jobs[id] = e
	m.mu.Unlock()
	defer e.mu.Unlock()

	if err := m.persist(ctx, e.job); err != nil {
		e.gone = true
		m.mu.Lock()
		if m.jobs[id] == e {
			delete(m.jobs, id)
		}
		m.mu.Unlock()
		return Job{}, err
	}
	m.notify(e.job)
	return e.job, nil
}

// AdvancePhase moves a job to the phase that directly follows its current one.
func (m *Manager) AdvancePhase(ctx context.Context, id string, to Phase) error {
	return m.update(ctx, id, func(j *Job) (bool, error) {
		next, ok := successor(j.Phase)
		if !ok || next != to {
			return false, &TransitionError{Op: "advance phase", ID: j.ID, From: j.Phase, To: to}
		}
		j.Phase = to
		return true, nil
	})
}

// ReportProgress records tiling progress, clamped to [1, 99]; 0 and 100 are
// reserved for not started and finished.
func (m *Manager) ReportProgress(ctx context.Context, id string, percent int) error {
	return m.update(ctx, id, func(j *Job) (bool, error) {
		if j.Phase != PhaseTiling {
			return false, &TransitionError{Op: "report progress", ID: j.ID, From: j.Phase, To: PhaseTiling}
		}
		percent = max(1, min(99, percent))
		if j.Progress == percent {
			return false, nil
		}
		j.Progress = percent
		return true, nil
	})
}

// SetGeometry records the working raster size and the tile grid shape.
func (m *Manager) SetGeometry(ctx context.Context, id string, width, height, rows, cols int) error {
	return m.update(ctx, id, func(j *Job) (bool, error) {
		if j.Phase != PhaseDecoding && j.Phase != PhaseTiling {
			return false, &TransitionError{Op: "set geometry", ID: j.ID, From: j.Phase, To: PhaseTiling}
		}
		j.Width, j.Height, j.Rows, j.Cols = width, height, rows, cols
		return true, nil
	})
}

// SetSource records where the source of a job reserved with an empty source
// was staged. Only valid in CREATED.
func (m *Manager) SetSource(ctx context.Context, id, sourceRef string) error {
	return m.update(ctx, id, func(j *Job) (bool, error) {
		if j.Phase != PhaseCreated {
			return false, &TransitionError{Op: "set source", ID: j.ID, From: j.Phase, To: PhaseCreated}
		}
		if j.SourcePath == sourceRef {
			return false, nil
		}
		j.SourcePath = sourceRef
		return true, nil
	})
}

// SetMirrorURL records where a copy of the result was published.
func (m *Manager) SetMirrorURL(ctx context.Context, id, url string) error {
	return m.update(ctx, id, func(j *Job) (bool, error) {
		if j.Phase != PhaseGeneratingHeatmap && j.Phase != PhaseCompleted {
			return false, &TransitionError{Op: "set mirror url", ID: j.ID, From: j.Phase, To: PhaseCompleted}
		}
		if j.MirrorURL == url {
			return false, nil
		}
		j.MirrorURL = url
		return true, nil
	})
}

// MarkFailed moves a job to FAILED and records message. Failing an already
// failed job keeps the first message. FAILED is only reachable from a
// non-terminal phase: on a COMPLETED job MarkFailed returns a TransitionError
// and the result stays valid.
func (m *Manager) MarkFailed(ctx context.Context, id, message string) error {
	return m.update(ctx, id, func(j *Job) (bool, error) {
		switch j.Phase {
		case PhaseFailed:
			return false, nil
		case PhaseCompleted:
			return false, &TransitionError{Op: "mark failed", ID: j.ID, From: j.Phase, To: PhaseFailed}
		}
		if message == "" {
			message = "unknown error"
		}
		j.Phase = PhaseFailed
		j.Progress = ProgressFailed
		j.Error = message
		return true, nil
	})
}

// MarkCompleted records the result location. Only valid from GENERATING_HEATMAP.
func (m *Manager) MarkCompleted(ctx context.Context, id, resultRef string) error {
	return m.update(ctx, id, func(j *Job) (bool, error) {
		if j.Phase != PhaseGeneratingHeatmap {
			return false, &TransitionError{Op: "mark completed", ID: j.ID, From: j.Phase, To: PhaseCompleted}
		}
		j.Phase = PhaseCompleted
		j.Progress = 100
		j.ResultPath = resultRef
		return true, nil
	})
}

// Get returns a snapshot of the job.
func (m *Manager) Get(_ context.Context, id string) (Job, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.job, nil
}

// List returns snapshots of every known job, oldest first.
func (m *Manager) List(_ context.Context) []Job {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.gone {
			out = append(out, e.job)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes a job record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.jobs, id)
	m.mu.Unlock()

	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (m *Manager) update(ctx context.Context, id string, fn func(*Job) (bool, error)) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := e.job
	changed, err := fn(&next)
	if err != nil || !changed {
		return err
	}
	next.UpdatedAt = m.now()
	if err := m.persist(ctx, next); err != nil {
		return err
	}
	e.job = next
	m.notify(next)
	return nil
}

func (m *Manager) persist(ctx context.Context, j Job) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(ctx, j); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

func (m *Manager) notify(j Job) {
	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(j)
	}
}
