package model

import "time"

// AnalysisType 请求的分析维度
type AnalysisType string

const (
	AnalysisOnchain    AnalysisType = "onchain"
	AnalysisSentiment  AnalysisType = "sentiment"
	AnalysisTokenomics AnalysisType = "tokenomics"
	AnalysisTeam       AnalysisType = "team"
	AnalysisFull       AnalysisType = "full"
)

func (t AnalysisType) Valid() bool {
	switch t {
	case AnalysisOnchain, AnalysisSentiment, AnalysisTokenomics, AnalysisTeam, AnalysisFull:
		return true
	}
	return false
}

// ServiceName 下游分析服务的逻辑名
const (
	ServiceOnchain    = "onchain"
	ServiceSentiment  = "sentiment"
	ServiceTokenomics = "tokenomics"
	ServiceTeam       = "team"
)

// AllServices lists every downstream analysis service in dispatch order.
var AllServices = []string{ServiceOnchain, ServiceSentiment, ServiceTokenomics, ServiceTeam}

// RequiredServices resolves the downstream set for an analysis type.
// Tokenomics scoring consumes on-chain supply data, so it pulls both.
func RequiredServices(t AnalysisType) []string {
	switch t {
	case AnalysisFull:
		out := make([]string, len(AllServices))
		copy(out, AllServices)
		return out
	case AnalysisTokenomics:
		return []string{ServiceTokenomics, ServiceOnchain}
	case AnalysisOnchain:
		return []string{ServiceOnchain}
	case AnalysisSentiment:
		return []string{ServiceSentiment}
	case AnalysisTeam:
		return []string{ServiceTeam}
	}
	return nil
}

// AnalysisRequest represents the incoming JSON body
type AnalysisRequest struct {
	ProjectID    string            `json:"project_id" binding:"required"`
	AnalysisType AnalysisType      `json:"analysis_type" binding:"required"`
	TokenAddress string            `json:"token_address,omitempty"`
	ChainID      int64             `json:"chain_id,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
}

// ResultStatus 单个下游调用的结局
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
	StatusTimeout ResultStatus = "timeout"
)

// ServiceResult 一次下游调用的结果（每个服务一条）
type ServiceResult struct {
	ServiceName    string                 `json:"service_name"`
	Status         ResultStatus           `json:"status"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Score          float64                `json:"score,omitempty"`      // 0-100, only meaningful on success
	Confidence     float64                `json:"confidence,omitempty"` // 0-1, only meaningful on success
	ResponseTimeMs int64                  `json:"response_time_ms"`
	Error          string                 `json:"error,omitempty"`
}

type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "very-low"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very-high"
)

// RiskLevelForScore maps an overall score onto the risk ladder.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskVeryLow
	case score >= 65:
		return RiskLow
	case score >= 45:
		return RiskMedium
	case score >= 25:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

// AnalysisResult 聚合后的最终响应
// Services 的 key 集合必须恰好等于该 AnalysisType 要求的服务集合；
// OverallScore/Confidence 只由 status=success 的条目推导。
type AnalysisResult struct {
	ProjectID       string                    `json:"project_id"`
	AnalysisType    AnalysisType              `json:"analysis_type"`
	OverallScore    float64                   `json:"overall_score"`
	Confidence      float64                   `json:"confidence"`
	RiskLevel       RiskLevel                 `json:"risk_level"`
	Services        map[string]*ServiceResult `json:"services"`
	Warnings        []string                  `json:"warnings,omitempty"`
	Recommendations []string                  `json:"recommendations,omitempty"`
	Cached          bool                      `json:"cached"`
	CorrelationID   string                    `json:"correlation_id"`
	Timestamp       time.Time                 `json:"timestamp"`
}

// QueuedResponse 202 acknowledgment for the async path.
type QueuedResponse struct {
	AnalysisID          string    `json:"analysis_id"`
	Status              string    `json:"status"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	Message             string    `json:"message,omitempty"`
}
