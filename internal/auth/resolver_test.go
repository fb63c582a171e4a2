package auth

import (
	"testing"
	"time"

	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/golang-jwt/jwt/v5"
)

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			SupabaseJWTSecret: "supabase-secret",
			SupabaseIssuer:    "https://auth.cryptolens.io",
			InternalJWTSecret: "internal-secret",
			InternalIssuer:    "cryptolens-internal",
			InternalAudience:  "lensgate",
		},
		APIKeys: []config.APIKeyConfig{
			{ID: "acct-1", Key: "cl_live_abc", Tier: "pro", Permissions: []string{"analysis:full"}, Enabled: true},
			{ID: "acct-2", Key: "sk-legacy", Tier: "free", Enabled: false},
			{ID: "acct-3", Key: "cl_expired", Tier: "free", Enabled: true, ExpiresAt: "2020-01-01T00:00:00Z"},
		},
	}
}

func signToken(t *testing.T, secret, issuer, audience, subject string, tier string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  subject,
		"iss":  issuer,
		"tier": tier,
		"exp":  exp.Unix(),
		"iat":  time.Now().Add(-time.Minute).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestClassify(t *testing.T) {
	internal := signToken(t, "internal-secret", "cryptolens-internal", "lensgate", "svc-1", "enterprise", time.Now().Add(time.Hour))
	supabase := signToken(t, "supabase-secret", "https://auth.cryptolens.io", "", "user-1", "free", time.Now().Add(time.Hour))

	cases := []struct {
		raw  string
		want CredentialKind
	}{
		{"cl_live_abc", KindAPIKey},
		{"sk-legacy", KindAPIKey},
		{internal, KindInternalJWT},
		{supabase, KindSupabaseJWT},
		{"garbage.token", KindSupabaseJWT},
	}
	for _, tc := range cases {
		if got := Classify(tc.raw); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestResolveAPIKey(t *testing.T) {
	r := NewResolver(testConfig())

	p, appErr := r.Resolve("cl_live_abc")
	if appErr != nil {
		t.Fatalf("unexpected error: %v", appErr)
	}
	if p.ID != "acct-1" || p.Tier != model.TierPro || p.AuthMethod != model.AuthAPIKey {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !p.HasPermission("analysis:full") {
		t.Fatalf("expected analysis:full permission")
	}
}

func TestResolveAPIKeyFailures(t *testing.T) {
	r := NewResolver(testConfig())

	cases := []struct {
		raw     string
		message string
	}{
		{"cl_nope", "unknown API key"},
		{"sk-legacy", "API key disabled"},
		{"cl_expired", "API key expired"},
		{"", "missing credential"},
	}
	for _, tc := range cases {
		_, appErr := r.Resolve(tc.raw)
		if appErr == nil {
			t.Fatalf("Resolve(%q): expected error", tc.raw)
		}
		if appErr.Message != tc.message {
			t.Errorf("Resolve(%q) message = %q, want %q", tc.raw, appErr.Message, tc.message)
		}
	}
}

func TestResolveInternalJWT(t *testing.T) {
	r := NewResolver(testConfig())
	raw := signToken(t, "internal-secret", "cryptolens-internal", "lensgate", "svc-batch", "enterprise", time.Now().Add(time.Hour))

	p, appErr := r.Resolve(raw)
	if appErr != nil {
		t.Fatalf("unexpected error: %v", appErr)
	}
	if p.ID != "svc-batch" || p.Tier != model.TierEnterprise || p.AuthMethod != model.AuthInternalJWT {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestResolveSupabaseJWT(t *testing.T) {
	r := NewResolver(testConfig())
	raw := signToken(t, "supabase-secret", "https://auth.cryptolens.io", "", "user-9", "bogus-tier", time.Now().Add(time.Hour))

	p, appErr := r.Resolve(raw)
	if appErr != nil {
		t.Fatalf("unexpected error: %v", appErr)
	}
	// 未知 tier 回落到 free
	if p.Tier != model.TierFree {
		t.Fatalf("tier = %s, want free", p.Tier)
	}
}

func TestResolveJWTFailures(t *testing.T) {
	r := NewResolver(testConfig())

	expired := signToken(t, "supabase-secret", "https://auth.cryptolens.io", "", "user-1", "free", time.Now().Add(-time.Hour))
	if _, appErr := r.Resolve(expired); appErr == nil || appErr.Message != "token expired" {
		t.Fatalf("expected token expired, got %v", appErr)
	}

	wrongIssuer := signToken(t, "supabase-secret", "https://evil.example.com", "", "user-1", "free", time.Now().Add(time.Hour))
	if _, appErr := r.Resolve(wrongIssuer); appErr == nil || appErr.Message != "unknown token issuer" {
		t.Fatalf("expected unknown token issuer, got %v", appErr)
	}

	badSig := signToken(t, "wrong-secret", "https://auth.cryptolens.io", "", "user-1", "free", time.Now().Add(time.Hour))
	if _, appErr := r.Resolve(badSig); appErr == nil || appErr.Message != "invalid token signature" {
		t.Fatalf("expected invalid token signature, got %v", appErr)
	}

	// 内部 token 必须带对 audience
	wrongAud := signToken(t, "internal-secret", "cryptolens-internal", "other-service", "svc-1", "enterprise", time.Now().Add(time.Hour))
	if _, appErr := r.Resolve(wrongAud); appErr == nil || appErr.Message != "token audience mismatch" {
		t.Fatalf("expected token audience mismatch, got %v", appErr)
	}
}

func TestResolverCachesValidCredential(t *testing.T) {
	r := NewResolver(testConfig())
	if _, appErr := r.Resolve("cl_live_abc"); appErr != nil {
		t.Fatalf("unexpected error: %v", appErr)
	}

	// 直接替换验证器：命中缓存就不会再走 Verify
	r.apiKeys = failingVerifier{}
	p, appErr := r.Resolve("cl_live_abc")
	if appErr != nil {
		t.Fatalf("expected cache hit, got %v", appErr)
	}
	if p.ID != "acct-1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

type failingVerifier struct{}

func (failingVerifier) Verify(string) (*model.Principal, *apperrors.AppError) {
	return nil, apperrors.NewAuthFailed("verifier should not be called")
}
