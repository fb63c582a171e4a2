package model

import "time"

// AnalysisRecord 历史列表里的一条已完成分析
type AnalysisRecord struct {
	ID           string    `json:"id" db:"id"`
	PrincipalID  string    `json:"-" db:"principal_id"`
	ProjectID    string    `json:"project_id" db:"project_id"`
	AnalysisType string    `json:"analysis_type" db:"analysis_type"`
	OverallScore float64   `json:"overall_score" db:"overall_score"`
	Confidence   float64   `json:"confidence" db:"confidence"`
	RiskLevel    string    `json:"risk_level" db:"risk_level"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ProjectPopularity 跨项目的聚合热度
type ProjectPopularity struct {
	ProjectID      string    `json:"project_id" db:"project_id"`
	AnalysisCount  int       `json:"analysis_count" db:"analysis_count"`
	AvgScore       float64   `json:"avg_score" db:"avg_score"`
	LastAnalyzedAt time.Time `json:"last_analyzed_at" db:"last_analyzed_at"`
}
