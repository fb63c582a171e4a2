package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/google/uuid"
)

// HistoryRepo 已完成分析的留痕，支撑 history 与 popular 两个查询
type HistoryRepo interface {
	Record(ctx context.Context, principalID string, result *model.AnalysisResult) error
	List(ctx context.Context, principalID, projectID string, limit, offset int) ([]*model.AnalysisRecord, error)
	Popular(ctx context.Context, limit int) ([]*model.ProjectPopularity, error)
}

// MemoryHistoryRepo 进程内实现，环形上限防止无界增长
type MemoryHistoryRepo struct {
	mu      sync.Mutex
	maxSize int
	records []*model.AnalysisRecord
}

func NewMemoryHistoryRepo() *MemoryHistoryRepo {
	return &MemoryHistoryRepo{maxSize: 10000}
}

func (m *MemoryHistoryRepo) Record(ctx context.Context, principalID string, result *model.AnalysisResult) error {
	rec := &model.AnalysisRecord{
		ID:           uuid.New().String(),
		PrincipalID:  principalID,
		ProjectID:    result.ProjectID,
		AnalysisType: string(result.AnalysisType),
		OverallScore: result.OverallScore,
		Confidence:   result.Confidence,
		RiskLevel:    string(result.RiskLevel),
		CreatedAt:    result.Timestamp,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if len(m.records) > m.maxSize {
		m.records = m.records[len(m.records)-m.maxSize:]
	}
	return nil
}

func (m *MemoryHistoryRepo) List(ctx context.Context, principalID, projectID string, limit, offset int) ([]*model.AnalysisRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// 新的在前
	var matched []*model.AnalysisRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if principalID != "" && rec.PrincipalID != principalID {
			continue
		}
		if projectID != "" && rec.ProjectID != projectID {
			continue
		}
		matched = append(matched, rec)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (m *MemoryHistoryRepo) Popular(ctx context.Context, limit int) ([]*model.ProjectPopularity, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	type agg struct {
		count int
		sum   float64
		last  time.Time
	}
	byProject := make(map[string]*agg)
	for _, rec := range m.records {
		a := byProject[rec.ProjectID]
		if a == nil {
			a = &agg{}
			byProject[rec.ProjectID] = a
		}
		a.count++
		a.sum += rec.OverallScore
		if rec.CreatedAt.After(a.last) {
			a.last = rec.CreatedAt
		}
	}

	out := make([]*model.ProjectPopularity, 0, len(byProject))
	for projectID, a := range byProject {
		out = append(out, &model.ProjectPopularity{
			ProjectID:      projectID,
			AnalysisCount:  a.count,
			AvgScore:       a.sum / float64(a.count),
			LastAnalyzedAt: a.last,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AnalysisCount != out[j].AnalysisCount {
			return out[i].AnalysisCount > out[j].AnalysisCount
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
