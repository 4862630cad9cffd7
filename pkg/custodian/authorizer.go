// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.
package custodian

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
)

// Authorizer decides whether a share may be released. A nil error
// allows the release; a refusal is a *RefusedError.
type Authorizer interface {
	Authorize(ctx context.Context, req *escrow.ReleaseRequest) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req *escrow.ReleaseRequest) error

func (f AuthorizerFunc) Authorize(ctx context.Context, req *escrow.ReleaseRequest) error {
	return f(ctx, req)
}

// AllowAll releases to anyone. Development only.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, *escrow.ReleaseRequest) error { return nil }

// DenyAll refuses every release.
type DenyAll struct {
	Reason string
}

func (d DenyAll) Authorize(_ context.Context, req *escrow.ReleaseRequest) error {
	reason := d.Reason
	if reason == "" {
		reason = "releases are disabled"
	}
	return refuse(req.ItemID, reason, nil)
}

// GrantClaims are the claims of a release grant. Subject is the
// requester address.
type GrantClaims struct {
	ItemID string `json:"item_id"`
	jwt.RegisteredClaims
}

// GrantConfig configures HS256 release grants.
type GrantConfig struct {
	// Secret is shared with the policy authority; at least 32 bytes.
	Secret []byte

	// Issuer and Audience are checked when set.
	Issuer   string
	Audience string

	Leeway time.Duration
}

// MinGrantSecretLength is the minimum HMAC secret length.
const MinGrantSecretLength = 32

func (c *GrantConfig) validate() error {
	if c == nil {
		return errors.New("custodian: grant config is required")
	}
	if len(c.Secret) < MinGrantSecretLength {
		return fmt.Errorf("custodian: grant secret must be at least %d bytes", MinGrantSecretLength)
	}
	return nil
}

// GrantAuthorizer releases only to requesters presenting a grant signed
// by the policy authority for exactly this item and requester.
type GrantAuthorizer struct {
	cfg    GrantConfig
	parser *jwt.Parser
}

// NewGrantAuthorizer validates cfg.
func NewGrantAuthorizer(cfg *GrantConfig) (*GrantAuthorizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &GrantAuthorizer{
		cfg:    GrantConfig{Secret: append([]byte(nil), cfg.Secret...), Issuer: cfg.Issuer, Audience: cfg.Audience, Leeway: cfg.Leeway},
		parser: jwt.NewParser(opts...),
	}, nil
}

// Authorize verifies req.Grant.
func (a *GrantAuthorizer) Authorize(_ context.Context, req *escrow.ReleaseRequest) error {
	if req.Grant == "" {
		return refuse(req.ItemID, "release grant required", nil)
	}

	var claims GrantClaims
	_, err := a.parser.ParseWithClaims(req.Grant, &claims, func(*jwt.Token) (interface{}, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return refuse(req.ItemID, "invalid release grant", fmt.Errorf("%w: %v", ErrInvalidGrant, err))
	}
	if claims.ItemID != req.ItemID {
		return refuse(req.ItemID, "grant is for a different item", ErrInvalidGrant)
	}
	if !strings.EqualFold(claims.Subject, req.Requester) {
		return refuse(req.ItemID, "grant is for a different requester", ErrInvalidGrant)
	}
	return nil
}

// IssueGrant signs a grant for itemID and requester valid for ttl. The
// policy authority calls this once it decided the requester is entitled.
func IssueGrant(cfg *GrantConfig, itemID, requester string, ttl time.Duration) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", errors.New("custodian: grant ttl must be positive")
	}
	now := time.Now()
	claims := GrantClaims{
		ItemID: itemID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   strings.ToLower(requester),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("custodian: failed to sign grant: %w", err)
	}
	return signed, nil
}
