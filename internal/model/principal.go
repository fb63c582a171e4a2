package model

// Tier 订阅等级，决定限流额度与可用功能
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// AuthMethod 凭证的归类结果
type AuthMethod string

const (
	AuthAPIKey      AuthMethod = "apikey"
	AuthSupabaseJWT AuthMethod = "supabase-jwt"
	AuthInternalJWT AuthMethod = "internal-jwt"
)

// Principal 统一的调用方身份，按请求构造，网关自身不落库
type Principal struct {
	ID          string     `json:"id"`
	Tier        Tier       `json:"tier"`
	Permissions []string   `json:"permissions,omitempty"`
	AuthMethod  AuthMethod `json:"auth_method"`
}

func (p *Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// CanRequestFull reports whether the caller may ask for a full analysis.
// Free tier needs an explicit grant.
func (p *Principal) CanRequestFull() bool {
	if p.Tier == TierPro || p.Tier == TierEnterprise {
		return true
	}
	return p.HasPermission("analysis:full")
}
