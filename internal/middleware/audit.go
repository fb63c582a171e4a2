package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ContextAuditLog = "audit_log"

// bodyLogWriter 包装 ResponseWriter 以捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func AuditMiddleware(auditSvc *service.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.New().String()
		c.Header("X-Request-ID", reqID)

		// 1. 读取请求体 (并写回以便后续 Bind 使用)
		var reqBodyBytes []byte
		if c.Request.Body != nil {
			reqBodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(reqBodyBytes))
		}

		// 2. 初始化审计对象并存入 Context
		// 业务层可以往 Context 字段里塞额外信息（fingerprint、analysis_id 等）
		auditEntry := &model.AuditLog{
			ID:        reqID,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			CreatedAt: start,
			Context:   make(map[string]interface{}),
		}
		c.Set(ContextAuditLog, auditEntry)

		// 3. 包装 ResponseWriter 以捕获响应
		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		// 4. 填充剩余信息 (在请求结束后)
		if principal, ok := PrincipalFrom(c); ok {
			auditEntry.PrincipalID = principal.ID
			auditEntry.Tier = string(principal.Tier)
		}

		auditEntry.RequestBody = redactAuditBody(c.Request.URL.Path, reqBodyBytes)
		auditEntry.RequestHeader = redactedHeaders(c)
		auditEntry.StatusCode = c.Writer.Status()
		auditEntry.ResponseBody = redactAuditBody(c.Request.URL.Path, blw.body.Bytes())
		auditEntry.LatencyMs = time.Since(start).Milliseconds()

		// 5. 异步发送日志
		auditSvc.Log(auditEntry)
	}
}

// AddAuditContext 辅助函数：允许 Handler 向审计日志添加业务上下文
func AddAuditContext(c *gin.Context, key string, value interface{}) {
	if val, exists := c.Get(ContextAuditLog); exists {
		if entry, ok := val.(*model.AuditLog); ok {
			entry.Context[key] = value
		}
	}
}

// redactedHeaders 只保留关心的 Header，凭证一律打码
func redactedHeaders(c *gin.Context) string {
	parts := make([]string, 0, 3)
	if c.GetHeader("Authorization") != "" {
		parts = append(parts, "Authorization=[redacted]")
	}
	if c.GetHeader(HeaderAPIKey) != "" {
		parts = append(parts, HeaderAPIKey+"=[redacted]")
	}
	if ct := c.ContentType(); ct != "" {
		parts = append(parts, "Content-Type="+ct)
	}
	return strings.Join(parts, "; ")
}

// redactAuditBody 对分析请求体里的敏感 option 做脱敏。
// 响应体可能很大，截断到 4KB。
func redactAuditBody(path string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !strings.HasPrefix(path, "/v1/") {
		return truncate(string(body), 4096)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return truncate(string(body), 4096)
	}
	if opts, ok := data["options"].(map[string]interface{}); ok {
		for k := range opts {
			lower := strings.ToLower(k)
			if strings.Contains(lower, "key") || strings.Contains(lower, "secret") || strings.Contains(lower, "token") {
				opts[k] = "[redacted]"
			}
		}
	}
	out, err := json.Marshal(data)
	if err != nil {
		return "[redacted]"
	}
	return truncate(string(out), 4096)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
