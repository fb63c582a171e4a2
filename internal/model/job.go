package model

import "time"

// JobStatus 后台分析任务的生命周期状态
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition 任务状态机：queued→processing→{completed|failed}，
// queued/processing 均可被取消。
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobQueued:
		return to == JobProcessing || to == JobCancelled || to == JobFailed
	case JobProcessing:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	}
	return false
}

// StageProgress 单个下游服务在任务中的进度
type StageProgress struct {
	Status   ResultStatus `json:"status,omitempty"` // empty while pending
	Progress int          `json:"progress"`         // 0-100
}

// AnalysisJob 一条可追踪的后台分析记录。
// 不变量：同一 fingerprint 同时最多存在一个非终态任务。
type AnalysisJob struct {
	AnalysisID    string                    `json:"analysis_id" db:"analysis_id"`
	Fingerprint   string                    `json:"fingerprint" db:"fingerprint"`
	PrincipalID   string                    `json:"principal_id" db:"principal_id"`
	Request       AnalysisRequest           `json:"request" db:"-"`
	Status        JobStatus                 `json:"status" db:"status"`
	Progress      int                       `json:"progress" db:"progress"`
	CurrentStage  string                    `json:"current_stage,omitempty" db:"current_stage"`
	StageProgress map[string]*StageProgress `json:"stage_progress,omitempty" db:"-"`
	Attempts      int                       `json:"attempts" db:"attempts"`
	CreatedAt     time.Time                 `json:"created_at" db:"created_at"`
	StartedAt     *time.Time                `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty" db:"completed_at"`
	Result        *AnalysisResult           `json:"result,omitempty" db:"-"`
	Error         string                    `json:"error,omitempty" db:"error"`
}

// Clone returns a deep-enough copy safe to hand outside the store.
func (j *AnalysisJob) Clone() *AnalysisJob {
	if j == nil {
		return nil
	}
	out := *j
	if j.StageProgress != nil {
		out.StageProgress = make(map[string]*StageProgress, len(j.StageProgress))
		for name, sp := range j.StageProgress {
			cp := *sp
			out.StageProgress[name] = &cp
		}
	}
	return &out
}
