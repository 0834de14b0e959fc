package access_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laudos/internal/access"
)

func TestNewEnforcesRoleScope(t *testing.T) {
	_, err := access.New(access.Principal{ID: "ana", Role: "tenant-admin"})
	var fe access.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Reason, "tenant id required")

	_, err = access.New(access.Principal{ID: "rh", Role: "tenant-hr-manager", TenantID: "t1"})
	require.ErrorIs(t, err, access.ErrForbidden)

	_, err = access.New(access.Principal{ID: "x", Role: "janitor", TenantID: "t1"})
	require.ErrorIs(t, err, access.ErrForbidden)

	_, err = access.New(access.Principal{Role: "operator", TenantID: "t1"})
	require.ErrorIs(t, err, access.ErrUnauthorized)

	ac, err := access.New(access.Principal{ID: "root", Role: "Platform-Admin", TenantID: "t1"})
	require.NoError(t, err)
	assert.True(t, ac.Global())
	assert.Empty(t, ac.TenantID())
}

func TestCanSee(t *testing.T) {
	org := "org-a"
	other := "org-b"
	tenant, err := access.New(access.Principal{ID: "ana", Role: "tenant-admin", TenantID: "t1"})
	require.NoError(t, err)
	assert.True(t, tenant.CanSee("t1", nil))
	assert.False(t, tenant.CanSee("t2", nil))

	manager, err := access.New(access.Principal{ID: "rh", Role: "tenant-hr-manager", OrganizationID: org})
	require.NoError(t, err)
	assert.True(t, manager.CanSee("t1", &org))
	assert.False(t, manager.CanSee("t1", &other))
	assert.False(t, manager.CanSee("t1", nil))

	assert.True(t, access.System("worker").CanSee("any", nil))
	assert.False(t, access.Context{}.Valid())
}

func TestPolicyDefaultGrants(t *testing.T) {
	p, err := access.NewPolicy(nil)
	require.NoError(t, err)
	cases := []struct {
		role access.Role
		op   string
		want bool
	}{
		{access.RoleOperator, access.OpAssessmentWrite, true},
		{access.RoleOperator, access.OpBatchRequestEmission, false},
		{access.RoleTenantAdmin, access.OpBatchCancel, true},
		{access.RoleHRManager, access.OpBatchCancel, false},
		{access.RoleReportIssuer, access.OpBatchReprocess, true},
		{access.RoleReportIssuer, access.OpBatchForceEmission, true},
		{access.RoleTenantAdmin, access.OpBatchForceEmission, false},
		{access.RoleReportIssuer, access.OpBatchCreate, false},
		{access.RolePlatformAdmin, access.OpBatchDeliver, true},
	}
	for _, tc := range cases {
		ok, err := p.Allows(tc.role, tc.op)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "%s %s", tc.role, tc.op)
	}
}

func TestPolicyExtraGrants(t *testing.T) {
	p, err := access.NewPolicy(map[access.Role][]string{access.RoleOperator: {access.OpQueueRead}})
	require.NoError(t, err)
	ok, err := p.Allows(access.RoleOperator, access.OpQueueRead)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = access.NewPolicy(map[access.Role][]string{"auditor": {access.OpBatchRead}})
	require.Error(t, err)
}

type staticIdentity map[string]access.Principal

func (s staticIdentity) Resolve(_ context.Context, token string) (access.Principal, error) {
	p, ok := s[token]
	if !ok {
		return access.Principal{}, errors.New("unknown token")
	}
	return p, nil
}

func TestGuardAuthorize(t *testing.T) {
	policy, err := access.NewPolicy(nil)
	require.NoError(t, err)
	g := access.Guard{
		Identity: staticIdentity{
			"admin":    {ID: "ana", Role: "tenant-admin", TenantID: "t1"},
			"operator": {ID: "op", Role: "operator", TenantID: "t1"},
			"unscoped": {ID: "rh", Role: "tenant-hr-manager"},
		},
		Policy: policy,
	}
	ctx := context.Background()

	ac, err := g.Authorize(ctx, "admin", access.OpBatchCreate)
	require.NoError(t, err)
	assert.Equal(t, "ana", ac.PrincipalID())
	assert.Equal(t, "t1", ac.TenantID())

	_, err = g.Authorize(ctx, "", access.OpBatchRead)
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	_, err = g.Authorize(ctx, "forged", access.OpBatchRead)
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	_, err = g.Authorize(ctx, "operator", access.OpBatchRequestEmission)
	var fe access.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, access.OpBatchRequestEmission, fe.Operation)

	_, err = g.Authorize(ctx, "unscoped", access.OpBatchRead)
	assert.ErrorIs(t, err, access.ErrForbidden)
}
