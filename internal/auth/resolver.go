package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
)

// CredentialKind 凭证分类结果：显式判定，不做多验证器轮询
type CredentialKind string

const (
	KindAPIKey      CredentialKind = "apikey"
	KindSupabaseJWT CredentialKind = "supabase-jwt"
	KindInternalJWT CredentialKind = "internal-jwt"
)

// Verifier validates one credential variant and maps it to a Principal.
type Verifier interface {
	Verify(raw string) (*model.Principal, *apperrors.AppError)
}

// Resolver classifies a raw credential and routes it to exactly one
// verifier. A short-lived validation cache avoids re-checking hot
// credentials; entries never outlive the credential's own expiry.
type Resolver struct {
	apiKeys  Verifier
	supabase Verifier
	internal Verifier

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]resolverCacheEntry
}

type resolverCacheEntry struct {
	principal model.Principal
	expires   time.Time
}

func NewResolver(cfg *config.Config) *Resolver {
	ttl := time.Duration(cfg.Auth.ValidationTTLSecond) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Resolver{
		apiKeys: newAPIKeyVerifier(cfg.APIKeys),
		supabase: &jwtVerifier{
			method:   model.AuthSupabaseJWT,
			secret:   []byte(cfg.Auth.SupabaseJWTSecret),
			issuer:   cfg.Auth.SupabaseIssuer,
			audience: "", // Supabase tokens carry aud=authenticated, not enforced here
		},
		internal: &jwtVerifier{
			method:   model.AuthInternalJWT,
			secret:   []byte(cfg.Auth.InternalJWTSecret),
			issuer:   cfg.Auth.InternalIssuer,
			audience: cfg.Auth.InternalAudience,
		},
		cacheTTL: ttl,
		cache:    make(map[string]resolverCacheEntry),
	}
}

// Resolve authenticates a raw credential and returns the caller's
// Principal. Failure reasons stay specific so callers never see a
// generic 500 for credential problems.
func (r *Resolver) Resolve(raw string) (*model.Principal, *apperrors.AppError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperrors.NewAuthFailed("missing credential")
	}

	key := credentialHash(raw)
	if p, ok := r.cacheGet(key); ok {
		return p, nil
	}

	var verifier Verifier
	switch Classify(raw) {
	case KindAPIKey:
		verifier = r.apiKeys
	case KindInternalJWT:
		verifier = r.internal
	default:
		verifier = r.supabase
	}

	principal, err := verifier.Verify(raw)
	if err != nil {
		return nil, err
	}
	r.cacheSet(key, principal, credentialExpiry(raw))
	return principal, nil
}

// Classify inspects the credential shape. Prefixed keys are ours;
// otherwise the JWT payload is decoded (without verification) just to
// read iss/aud. Undecodable tokens default to supabase-jwt so the
// supabase verifier produces the failure reason.
func Classify(raw string) CredentialKind {
	if strings.HasPrefix(raw, "cl_") || strings.HasPrefix(raw, "sk-") {
		return KindAPIKey
	}
	claims, ok := peekClaims(raw)
	if !ok {
		return KindSupabaseJWT
	}
	if iss, _ := claims["iss"].(string); strings.Contains(iss, "internal") {
		return KindInternalJWT
	}
	if aud, _ := claims["aud"].(string); aud == "lensgate" {
		return KindInternalJWT
	}
	return KindSupabaseJWT
}

// peekClaims decodes the middle JWT segment without verifying anything.
func peekClaims(raw string) (map[string]interface{}, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, false
	}
	return claims, true
}

// credentialExpiry returns the credential's own exp claim, zero for
// non-JWT credentials.
func credentialExpiry(raw string) time.Time {
	claims, ok := peekClaims(raw)
	if !ok {
		return time.Time{}
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}
	}
	return time.Unix(int64(exp), 0)
}

func credentialHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r *Resolver) cacheGet(key string) (*model.Principal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(r.cache, key)
		return nil, false
	}
	p := entry.principal
	return &p, true
}

func (r *Resolver) cacheSet(key string, p *model.Principal, credExpiry time.Time) {
	expires := time.Now().Add(r.cacheTTL)
	// 缓存不得晚于凭证本身的过期时间
	if !credExpiry.IsZero() && credExpiry.Before(expires) {
		expires = credExpiry
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = resolverCacheEntry{principal: *p, expires: expires}
}
