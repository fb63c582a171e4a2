package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/CryptoLens/lensgate/internal/model"
)

// Fingerprint 请求语义字段的稳定哈希，用于缓存与任务去重。
// 选项按 key 排序，token 地址统一小写，保证同义请求得到同一指纹。
func Fingerprint(req model.AnalysisRequest) string {
	h := sha256.New()
	h.Write([]byte(req.ProjectID))
	h.Write([]byte{0})
	h.Write([]byte(req.AnalysisType))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(req.TokenAddress)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(req.ChainID, 10)))

	if len(req.Options) > 0 {
		keys := make([]string, 0, len(req.Options))
		for k := range req.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte{0})
			h.Write([]byte(strings.ToLower(k)))
			h.Write([]byte{'='})
			h.Write([]byte(strings.TrimSpace(req.Options[k])))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
