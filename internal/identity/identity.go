// Package identity resolves opaque credentials (HS256 bearer tokens and API
// keys) into access principals.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"laudos/internal/access"
	"laudos/internal/domain"
	"laudos/internal/repo"
)

// ErrUnrecognized is returned by a resolver that does not handle the
// credential's format, so a Chain can try the next one.
var ErrUnrecognized = errors.New("credential format not recognized")

// Claims is the JWT payload carried by bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
	OrgID    string `json:"org_id,omitempty"`
}

type JWT struct {
	Secret string
	Issuer string
	Now    func() time.Time
}

func (j JWT) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

func (j JWT) Resolve(_ context.Context, token string) (access.Principal, error) {
	if strings.Count(token, ".") != 2 {
		return access.Principal{}, ErrUnrecognized
	}
	if strings.TrimSpace(j.Secret) == "" {
		return access.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(j.Secret), nil
	})
	if err != nil {
		return access.Principal{}, err
	}
	if !parsed.Valid {
		return access.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return access.Principal{}, errors.New("subject claim required")
	}
	return access.Principal{
		ID:             claims.Subject,
		Role:           claims.Role,
		TenantID:       claims.TenantID,
		OrganizationID: claims.OrgID,
	}, nil
}

// Issue signs a token for p valid for ttl.
func (j JWT) Issue(p access.Principal, ttl time.Duration) (string, error) {
	if strings.TrimSpace(j.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if _, err := access.New(p); err != nil {
		return "", err
	}
	now := j.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    j.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role:     p.Role,
		TenantID: p.TenantID,
		OrgID:    p.OrganizationID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(j.Secret))
}

type APIKeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error)
	InsertAPIKey(ctx context.Context, key domain.APIKey) error
}

// APIKeys resolves keys stored hashed in the api_keys table.
type APIKeys struct {
	Store APIKeyStore
	Now   func() time.Time
}

func (k APIKeys) Resolve(ctx context.Context, key string) (access.Principal, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return access.Principal{}, errors.New("api key required")
	}
	stored, err := k.Store.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return access.Principal{}, err
	}
	p := access.Principal{ID: stored.PrincipalID, Role: stored.Role}
	if stored.TenantID != nil {
		p.TenantID = *stored.TenantID
	}
	if stored.OrganizationID != nil {
		p.OrganizationID = *stored.OrganizationID
	}
	return p, nil
}

// Create stores a new key for p and returns the plaintext, which is not kept.
func (k APIKeys) Create(ctx context.Context, p access.Principal, name string) (string, domain.APIKey, error) {
	if _, err := access.New(p); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	plain := "lk_" + hex.EncodeToString(buf)
	now := time.Now
	if k.Now != nil {
		now = k.Now
	}
	key := domain.APIKey{
		ID:             uuid.NewString(),
		PrincipalID:    p.ID,
		Role:           p.Role,
		TenantID:       optional(p.TenantID),
		OrganizationID: optional(p.OrganizationID),
		Name:           name,
		KeyHash:        repo.HashAPIKey(plain),
		CreatedAt:      domain.Timestamp(now()),
	}
	if err := k.Store.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// Chain tries each resolver in order, skipping those that do not recognize
// the credential.
type Chain []access.Identity

func (c Chain) Resolve(ctx context.Context, token string) (access.Principal, error) {
	for _, r := range c {
		p, err := r.Resolve(ctx, token)
		if errors.Is(err, ErrUnrecognized) {
			continue
		}
		return p, err
	}
	return access.Principal{}, ErrUnrecognized
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
