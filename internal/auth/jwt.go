package auth

import (
	"errors"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/golang-jwt/jwt/v5"
)

type gatewayClaims struct {
	Tier        string   `json:"tier,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Role        string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// jwtVerifier validates one JWT variant: signature, expiry, issuer,
// and (when configured) audience.
type jwtVerifier struct {
	method   model.AuthMethod
	secret   []byte
	issuer   string
	audience string
}

func (v *jwtVerifier) Verify(raw string) (*model.Principal, *apperrors.AppError) {
	if len(v.secret) == 0 {
		return nil, apperrors.NewAuthFailed("token issuer not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &gatewayClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, apperrors.NewAuthFailed("token expired")
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, apperrors.NewAuthFailed("unknown token issuer")
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, apperrors.NewAuthFailed("token audience mismatch")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, apperrors.NewAuthFailed("malformed token")
		default:
			return nil, apperrors.NewAuthFailed("invalid token signature")
		}
	}
	if !token.Valid {
		return nil, apperrors.NewAuthFailed("invalid token")
	}
	if claims.Subject == "" {
		return nil, apperrors.NewAuthFailed("token missing subject")
	}

	tier := model.Tier(claims.Tier)
	if !tier.Valid() {
		tier = model.TierFree
	}
	return &model.Principal{
		ID:          claims.Subject,
		Tier:        tier,
		Permissions: claims.Permissions,
		AuthMethod:  v.method,
	}, nil
}
