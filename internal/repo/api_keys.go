package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"laudos/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
// API keys are looked up before any access context exists, so they bypass Begin.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return domain.Validationf("id required")
	case key.PrincipalID == "":
		return domain.Validationf("principal_id required")
	case key.Role == "":
		return domain.Validationf("role required")
	case key.KeyHash == "":
		return domain.Validationf("key_hash required")
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO api_keys(id,principal_id,role,tenant_id,organization_id,name,key_hash,created_at) VALUES (?,?,?,?,?,?,?,?)`),
		key.ID, key.PrincipalID, key.Role, nullableStr(key.TenantID), nullableStr(key.OrganizationID), key.Name, key.KeyHash, key.CreatedAt)
	return errors.Wrap(err, "insert api key")
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var key domain.APIKey
	var tenant, org sql.NullString
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,principal_id,role,tenant_id,organization_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`), hash).
		Scan(&key.ID, &key.PrincipalID, &key.Role, &tenant, &org, &key.Name, &key.KeyHash, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, errors.Wrap(err, "get api key")
	}
	key.TenantID = strPtr(tenant)
	key.OrganizationID = strPtr(org)
	return key, nil
}
