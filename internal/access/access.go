// Package access builds the per-operation AccessContext that scopes every
// state-changing call to one tenant or organization.
package access

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// ForbiddenError indicates a resolved principal that may not perform an operation.
type ForbiddenError struct {
	Role      Role
	Operation string
	Reason    string
}

func (e ForbiddenError) Error() string {
	switch {
	case e.Operation != "" && e.Reason != "":
		return fmt.Sprintf("role %s may not %s: %s", e.Role, e.Operation, e.Reason)
	case e.Operation != "":
		return fmt.Sprintf("role %s may not %s", e.Role, e.Operation)
	default:
		return fmt.Sprintf("role %s: %s", e.Role, e.Reason)
	}
}

func (e ForbiddenError) Unwrap() error { return ErrForbidden }

type Role string

const (
	RoleOperator      Role = "operator"
	RoleTenantAdmin   Role = "tenant-admin"
	RoleHRManager     Role = "tenant-hr-manager"
	RoleReportIssuer  Role = "report-issuer"
	RolePlatformAdmin Role = "platform-admin"
)

// Roles lists every known role.
var Roles = []Role{RoleOperator, RoleTenantAdmin, RoleHRManager, RoleReportIssuer, RolePlatformAdmin}

// Scope is the id a role must carry to be usable.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeTenant
	ScopeOrganization
)

func (s Scope) String() string {
	switch s {
	case ScopeTenant:
		return "tenant"
	case ScopeOrganization:
		return "organization"
	default:
		return "none"
	}
}

var roleScopes = map[Role]Scope{
	RoleOperator:      ScopeTenant,
	RoleTenantAdmin:   ScopeTenant,
	RoleHRManager:     ScopeOrganization,
	RoleReportIssuer:  ScopeTenant,
	RolePlatformAdmin: ScopeNone,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleScopes[r]; !ok {
		return "", ForbiddenError{Role: r, Reason: "unknown role"}
	}
	return r, nil
}

// Scope returns the scoping requirement of the role.
func (r Role) Scope() Scope {
	return roleScopes[r]
}

// Principal is an identity as resolved by the identity store.
type Principal struct {
	ID             string
	Role           string
	TenantID       string
	OrganizationID string
}

// Context is the resolved, scoped identity carried by one operation.
type Context struct {
	principalID    string
	role           Role
	tenantID       string
	organizationID string
}

// New validates p against the role/scope mapping.
func New(p Principal) (Context, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return Context{}, fmt.Errorf("%w: principal id required", ErrUnauthorized)
	}
	role, err := ParseRole(p.Role)
	if err != nil {
		return Context{}, err
	}
	c := Context{
		principalID:    id,
		role:           role,
		tenantID:       strings.TrimSpace(p.TenantID),
		organizationID: strings.TrimSpace(p.OrganizationID),
	}
	switch role.Scope() {
	case ScopeTenant:
		if c.tenantID == "" {
			return Context{}, ForbiddenError{Role: role, Reason: "tenant id required"}
		}
	case ScopeOrganization:
		if c.organizationID == "" {
			return Context{}, ForbiddenError{Role: role, Reason: "organization id required"}
		}
	case ScopeNone:
		c.tenantID = ""
		c.organizationID = ""
	}
	return c, nil
}

// System returns the platform-scoped context used by background workers.
func System(id string) Context {
	return Context{principalID: id, role: RolePlatformAdmin}
}

func (c Context) PrincipalID() string    { return c.principalID }
func (c Context) Role() Role             { return c.role }
func (c Context) TenantID() string       { return c.tenantID }
func (c Context) OrganizationID() string { return c.organizationID }

// Valid reports whether c was built by New or System.
func (c Context) Valid() bool {
	return c.principalID != "" && c.role != ""
}

// Global reports whether c is not scoped to any tenant.
func (c Context) Global() bool {
	return c.role.Scope() == ScopeNone
}

// CanSee reports whether a row owned by tenantID/organizationID is visible to c.
func (c Context) CanSee(tenantID string, organizationID *string) bool {
	switch c.role.Scope() {
	case ScopeNone:
		return c.Valid()
	case ScopeOrganization:
		if organizationID == nil || *organizationID != c.organizationID {
			return false
		}
		return c.tenantID == "" || c.tenantID == tenantID
	default:
		return c.tenantID != "" && c.tenantID == tenantID
	}
}

func (c Context) String() string {
	return fmt.Sprintf("%s(%s tenant=%q org=%q)", c.principalID, c.role, c.tenantID, c.organizationID)
}
