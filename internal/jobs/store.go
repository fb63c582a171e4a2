package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
)

// Store 持久化分析任务记录。
// 不变量：同一 fingerprint 同时最多一个非终态任务，由 CreateOrAttach 保证。
type Store interface {
	// CreateOrAttach inserts the job unless a non-terminal job already
	// exists for its fingerprint; in that case the existing job is
	// returned with attached=true and nothing is created.
	CreateOrAttach(ctx context.Context, job *model.AnalysisJob) (current *model.AnalysisJob, attached bool, err error)
	Get(ctx context.Context, analysisID string) (*model.AnalysisJob, error)
	// ActiveByFingerprint returns the non-terminal job for a
	// fingerprint, or nil when none exists.
	ActiveByFingerprint(ctx context.Context, fingerprint string) (*model.AnalysisJob, error)
	// Transition moves the job between states, enforcing the state machine.
	Transition(ctx context.Context, analysisID string, to model.JobStatus) error
	UpdateStage(ctx context.Context, analysisID, stage string, sp *model.StageProgress, progress int) error
	IncrementAttempts(ctx context.Context, analysisID string) (int, error)
	Complete(ctx context.Context, analysisID string, result *model.AnalysisResult) error
	Fail(ctx context.Context, analysisID, errMsg string) error
	// Pending returns queued jobs, oldest first, for requeue on startup.
	Pending(ctx context.Context) ([]*model.AnalysisJob, error)
}

// MemoryStore 进程内任务表。单机部署或测试用；跨实例请配 Postgres。
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*model.AnalysisJob // analysisID -> job
	nonTerminal map[string]string             // fingerprint -> analysisID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*model.AnalysisJob),
		nonTerminal: make(map[string]string),
	}
}

func (s *MemoryStore) CreateOrAttach(ctx context.Context, job *model.AnalysisJob) (*model.AnalysisJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.nonTerminal[job.Fingerprint]; ok {
		if existing := s.jobs[id]; existing != nil && !existing.Status.Terminal() {
			return existing.Clone(), true, nil
		}
		delete(s.nonTerminal, job.Fingerprint)
	}

	stored := job.Clone()
	if stored.StageProgress == nil {
		stored.StageProgress = make(map[string]*model.StageProgress)
	}
	s.jobs[stored.AnalysisID] = stored
	s.nonTerminal[stored.Fingerprint] = stored.AnalysisID
	return stored.Clone(), false, nil
}

func (s *MemoryStore) Get(ctx context.Context, analysisID string) (*model.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[analysisID]
	if !ok {
		return nil, apperrors.NewNotFound("unknown analysis id")
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ActiveByFingerprint(ctx context.Context, fingerprint string) (*model.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.nonTerminal[fingerprint]
	if !ok {
		return nil, nil
	}
	job := s.jobs[id]
	if job == nil || job.Status.Terminal() {
		delete(s.nonTerminal, fingerprint)
		return nil, nil
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, analysisID string, to model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[analysisID]
	if !ok {
		return apperrors.NewNotFound("unknown analysis id")
	}
	if !job.Status.CanTransition(to) {
		return apperrors.NewInvalidRequest("cannot transition from " + string(job.Status) + " to " + string(to))
	}
	s.applyTransition(job, to)
	return nil
}

func (s *MemoryStore) applyTransition(job *model.AnalysisJob, to model.JobStatus) {
	now := time.Now()
	job.Status = to
	switch to {
	case model.JobProcessing:
		job.StartedAt = &now
	case model.JobCompleted, model.JobFailed, model.JobCancelled:
		job.CompletedAt = &now
		delete(s.nonTerminal, job.Fingerprint)
	}
}

func (s *MemoryStore) UpdateStage(ctx context.Context, analysisID, stage string, sp *model.StageProgress, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[analysisID]
	if !ok {
		return apperrors.NewNotFound("unknown analysis id")
	}
	if job.Status.Terminal() {
		return nil // late stage update after cancel, discard
	}
	job.CurrentStage = stage
	if sp != nil {
		cp := *sp
		job.StageProgress[stage] = &cp
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	return nil
}

func (s *MemoryStore) IncrementAttempts(ctx context.Context, analysisID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[analysisID]
	if !ok {
		return 0, apperrors.NewNotFound("unknown analysis id")
	}
	job.Attempts++
	return job.Attempts, nil
}

func (s *MemoryStore) Complete(ctx context.Context, analysisID string, result *model.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[analysisID]
	if !ok {
		return apperrors.NewNotFound("unknown analysis id")
	}
	if !job.Status.CanTransition(model.JobCompleted) {
		return nil // cancelled meanwhile, discard the result
	}
	s.applyTransition(job, model.JobCompleted)
	job.Result = result
	job.Progress = 100
	job.CurrentStage = ""
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, analysisID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[analysisID]
	if !ok {
		return apperrors.NewNotFound("unknown analysis id")
	}
	if !job.Status.CanTransition(model.JobFailed) {
		return nil
	}
	s.applyTransition(job, model.JobFailed)
	job.Error = errMsg
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context) ([]*model.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.AnalysisJob
	for _, job := range s.jobs {
		if job.Status == model.JobQueued {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
