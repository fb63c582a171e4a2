package auth

import (
	"time"

	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/CryptoLens/lensgate/internal/pkg/logger"
)

type apiKeyRecord struct {
	id          string
	tier        model.Tier
	permissions []string
	enabled     bool
	expiresAt   time.Time // zero = never
}

// apiKeyVerifier 校验配置里静态颁发的网关 Key
type apiKeyVerifier struct {
	keys map[string]apiKeyRecord // raw key -> record
}

func newAPIKeyVerifier(entries []config.APIKeyConfig) *apiKeyVerifier {
	keys := make(map[string]apiKeyRecord, len(entries))
	for _, e := range entries {
		tier := model.Tier(e.Tier)
		if !tier.Valid() {
			tier = model.TierFree
		}
		rec := apiKeyRecord{
			id:          e.ID,
			tier:        tier,
			permissions: e.Permissions,
			enabled:     e.Enabled,
		}
		if e.ExpiresAt != "" {
			ts, err := time.Parse(time.RFC3339, e.ExpiresAt)
			if err != nil {
				logger.Warn("ignoring unparsable api key expiry", "key_id", e.ID, "expires_at", e.ExpiresAt)
			} else {
				rec.expiresAt = ts
			}
		}
		keys[e.Key] = rec
	}
	return &apiKeyVerifier{keys: keys}
}

func (v *apiKeyVerifier) Verify(raw string) (*model.Principal, *apperrors.AppError) {
	rec, ok := v.keys[raw]
	if !ok {
		return nil, apperrors.NewAuthFailed("unknown API key")
	}
	if !rec.enabled {
		return nil, apperrors.NewAuthFailed("API key disabled")
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		return nil, apperrors.NewAuthFailed("API key expired")
	}
	return &model.Principal{
		ID:          rec.id,
		Tier:        rec.tier,
		Permissions: rec.permissions,
		AuthMethod:  model.AuthAPIKey,
	}, nil
}
