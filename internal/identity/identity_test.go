package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laudos/internal/access"
	"laudos/internal/domain"
	"laudos/internal/identity"
	"laudos/internal/repo"
)

type memKeys map[string]domain.APIKey

func (m memKeys) GetAPIKeyByHash(_ context.Context, hash string) (domain.APIKey, error) {
	k, ok := m[hash]
	if !ok {
		return domain.APIKey{}, repo.ErrNotFound
	}
	return k, nil
}

func (m memKeys) InsertAPIKey(_ context.Context, key domain.APIKey) error {
	m[key.KeyHash] = key
	return nil
}

func TestJWTRoundTrip(t *testing.T) {
	j := identity.JWT{Secret: "s3cret", Issuer: "laudos"}
	p := access.Principal{ID: "rh-1", Role: "tenant-hr-manager", TenantID: "t1", OrganizationID: "org-a"}
	token, err := j.Issue(p, time.Hour)
	require.NoError(t, err)

	got, err := j.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestJWTRejects(t *testing.T) {
	issuedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	j := identity.JWT{Secret: "s3cret", Now: func() time.Time { return issuedAt }}
	token, err := j.Issue(access.Principal{ID: "op", Role: "operator", TenantID: "t1"}, time.Minute)
	require.NoError(t, err)

	later := j
	later.Now = func() time.Time { return issuedAt.Add(time.Hour) }
	_, err = later.Resolve(context.Background(), token)
	require.Error(t, err)

	other := identity.JWT{Secret: "different"}
	_, err = other.Resolve(context.Background(), token)
	require.Error(t, err)

	_, err = j.Resolve(context.Background(), "lk_not-a-jwt")
	require.ErrorIs(t, err, identity.ErrUnrecognized)

	_, err = j.Issue(access.Principal{ID: "op", Role: "operator"}, time.Minute)
	require.ErrorIs(t, err, access.ErrForbidden)

	_, err = identity.JWT{}.Issue(access.Principal{ID: "op", Role: "operator", TenantID: "t1"}, time.Minute)
	require.Error(t, err)
}

func TestAPIKeysCreateAndResolve(t *testing.T) {
	store := memKeys{}
	keys := identity.APIKeys{Store: store}
	p := access.Principal{ID: "issuer", Role: "report-issuer", TenantID: "t1"}
	plain, key, err := keys.Create(context.Background(), p, "ci")
	require.NoError(t, err)
	assert.True(t, len(plain) > 10)
	assert.Equal(t, repo.HashAPIKey(plain), key.KeyHash)
	assert.NotContains(t, store, plain)

	got, err := keys.Resolve(context.Background(), plain)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = keys.Resolve(context.Background(), "lk_unknown")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestChainFallsThrough(t *testing.T) {
	store := memKeys{}
	keys := identity.APIKeys{Store: store}
	j := identity.JWT{Secret: "s3cret"}
	chain := identity.Chain{j, keys}

	plain, _, err := keys.Create(context.Background(), access.Principal{ID: "ops", Role: "platform-admin"}, "ops")
	require.NoError(t, err)
	p, err := chain.Resolve(context.Background(), plain)
	require.NoError(t, err)
	assert.Equal(t, "ops", p.ID)

	token, err := j.Issue(access.Principal{ID: "ana", Role: "tenant-admin", TenantID: "t1"}, time.Hour)
	require.NoError(t, err)
	p, err = chain.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ana", p.ID)

	_, err = identity.Chain{j}.Resolve(context.Background(), plain)
	require.ErrorIs(t, err, identity.ErrUnrecognized)
}
