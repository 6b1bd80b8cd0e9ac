package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"opendesk.org/internal/ids"
	"opendesk.org/internal/obs"
)

// AccessClaims is the payload of an access token. Beyond the registered
// claims it carries the identity attributes handlers need most often, so a
// request can be authorized without a database round trip.
type AccessClaims struct {
	jwt.RegisteredClaims
	TokenType      string   `json:"token_type"`
	Email          string   `json:"email"`
	Username       string   `json:"username"`
	Roles          []string `json:"roles,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
	Superuser      bool     `json:"superuser,omitempty"`
}

// RefreshClaims is the payload of a refresh token. It stays minimal: the
// authoritative state lives in the refresh token ledger keyed by ID.
type RefreshClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
}

// TokenPair is what a successful login or refresh hands to the client.
type TokenPair struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ClaimSource resolves the identity attributes embedded into access tokens.
// The issuer calls it on every mint so claims never go stale across a
// refresh.
type ClaimSource interface {
	ClaimsFor(ctx context.Context, identityID string) (*Identity, []string, string, error)
}

// TokenIssuer mints, parses and rotates the JWT pair. Refresh tokens are
// written to the store on issue so they can be revoked individually or in
// bulk.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	tokens     func(ctx context.Context) RefreshTokenStore
	claims     ClaimSource
	now        func() time.Time
}

// NewTokenIssuer wires a TokenIssuer. tokens must yield the refresh token
// ledger and claims the per-identity claim resolver.
func NewTokenIssuer(cfg Config, tokens func(ctx context.Context) RefreshTokenStore, claims ClaimSource) *TokenIssuer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		tokens:     tokens,
		claims:     claims,
		now:        now,
	}
}

// IssuePair mints an access/refresh pair for the identity and records the
// refresh token in the ledger.
func (t *TokenIssuer) IssuePair(ctx context.Context, identityID string) (*TokenPair, error) {
	id, roles, orgID, err := t.claims.ClaimsFor(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("resolve claims: %w", err)
	}
	now := t.now()
	accessExp := now.Add(t.accessTTL)
	access := jwt.NewWithClaims(jwt.SigningMethodHS256, &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.New(),
			Subject:   id.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
		TokenType:      "access",
		Email:          id.Email,
		Username:       id.Username,
		Roles:          roles,
		OrganizationID: orgID,
		Superuser:      id.Superuser,
	})
	accessStr, err := access.SignedString(t.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshID := ids.New()
	refreshExp := now.Add(t.refreshTTL)
	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, &RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        refreshID,
			Subject:   id.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
		TokenType: "refresh",
	})
	refreshStr, err := refresh.SignedString(t.secret)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	if err := t.tokens(ctx).Create(ctx, &RefreshTokenRecord{
		ID:         refreshID,
		IdentityID: id.ID,
		IssuedAt:   now,
		ExpiresAt:  refreshExp,
	}); err != nil {
		return nil, fmt.Errorf("record refresh token: %w", err)
	}
	obs.TokensIssuedTotal.WithLabelValues("access").Inc()
	obs.TokensIssuedTotal.WithLabelValues("refresh").Inc()
	return &TokenPair{Access: accessStr, Refresh: refreshStr, ExpiresAt: accessExp}, nil
}

// ExchangeRefresh validates a refresh token, revokes it and issues a fresh
// pair. Claims are re-resolved so role or organization changes take effect
// at rotation. Revoked tokens surface ErrTokenRevoked; anything past its
// expiry surfaces ErrTokenExpired.
func (t *TokenIssuer) ExchangeRefresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := t.parseRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	rec, err := t.tokens(ctx).Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	if rec.Revoked {
		return nil, ErrTokenRevoked
	}
	if t.now().After(rec.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if err := t.tokens(ctx).Revoke(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	return t.IssuePair(ctx, rec.IdentityID)
}

// RevokeRefresh marks a single refresh token revoked. Used at logout.
func (t *TokenIssuer) RevokeRefresh(ctx context.Context, refreshToken string) error {
	claims, err := t.parseRefresh(refreshToken)
	if err != nil {
		return err
	}
	return t.tokens(ctx).Revoke(ctx, claims.ID)
}

// RevokeAllFor revokes every outstanding refresh token for the identity.
// Used after a password change or a global sign-out.
func (t *TokenIssuer) RevokeAllFor(ctx context.Context, identityID string) error {
	return t.tokens(ctx).RevokeAllFor(ctx, identityID)
}

// ParseAccess validates an access token's signature and expiry and returns
// its claims. Expiry maps to ErrTokenExpired, every other failure to
// ErrTokenInvalid.
func (t *TokenIssuer) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := t.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != "access" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (t *TokenIssuer) parseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := t.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != "refresh" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (t *TokenIssuer) parse(tokenStr string, claims jwt.Claims) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
	)
	_, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}
