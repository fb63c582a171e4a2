package model

import (
	"time"
)

// AuditLog 代表一次完整的请求审计记录
type AuditLog struct {
	ID          string `json:"id"`           // 唯一请求 ID (UUID)
	PrincipalID string `json:"principal_id"` // 调用方 ID
	Tier        string `json:"tier"`
	Method      string `json:"method"` // HTTP 方法
	Path        string `json:"path"`   // 请求路径
	IP          string `json:"ip"`     // 客户端 IP
	UserAgent   string `json:"user_agent"`

	// 请求详情
	RequestBody   string `json:"request_body"` // 请求体 (脱敏后)
	RequestHeader string `json:"request_header"`

	// 响应详情
	StatusCode   int    `json:"status_code"`
	ResponseBody string `json:"response_body"`
	LatencyMs    int64  `json:"latency_ms"`

	// 业务上下文 (JSON string)
	// 这里可以存储 fingerprint、analysis_id、下游错误等
	Context map[string]interface{} `json:"context"`

	CreatedAt time.Time `json:"created_at"`
}
