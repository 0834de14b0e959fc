package access

import (
	"fmt"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	OpBatchCreate          = "batch.create"
	OpBatchRead            = "batch.read"
	OpBatchRelease         = "batch.release"
	OpBatchComplete        = "batch.complete"
	OpBatchCancel          = "batch.cancel"
	OpBatchRequestEmission = "batch.request-emission"
	OpBatchReprocess       = "batch.reprocess"
	OpBatchForceEmission   = "batch.force-emission"
	OpBatchDeliver         = "batch.deliver"
	OpAssessmentWrite      = "assessment.write"
	OpQueueRead            = "queue.read"
	OpReportRead           = "report.read"
)

const policyModel = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch(r.act, p.act)
`

// DefaultGrants is the built-in role to operation table.
func DefaultGrants() map[Role][]string {
	return map[Role][]string{
		RoleOperator: {
			OpBatchRead, OpBatchComplete, OpAssessmentWrite,
		},
		RoleTenantAdmin: {
			OpBatchCreate, OpBatchRead, OpBatchRelease, OpBatchComplete, OpBatchCancel,
			OpBatchRequestEmission, OpAssessmentWrite, OpReportRead,
		},
		RoleHRManager: {
			OpBatchCreate, OpBatchRead, OpBatchRelease, OpBatchComplete,
			OpBatchRequestEmission, OpAssessmentWrite, OpReportRead,
		},
		RoleReportIssuer: {
			OpBatchRead, OpBatchReprocess, OpBatchForceEmission, OpBatchDeliver, OpQueueRead, OpReportRead,
		},
		RolePlatformAdmin: {"*"},
	}
}

// Policy answers role/operation questions through a casbin enforcer.
type Policy struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
}

// NewPolicy loads DefaultGrants plus extra.
func NewPolicy(extra map[Role][]string) (*Policy, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("access: policy model: %w", err)
	}
	enf, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("access: enforcer: %w", err)
	}
	var rules [][]string
	for _, grants := range []map[Role][]string{DefaultGrants(), extra} {
		for role, ops := range grants {
			if _, ok := roleScopes[role]; !ok {
				return nil, fmt.Errorf("access: grant for unknown role %q", role)
			}
			for _, op := range ops {
				rules = append(rules, []string{string(role), op})
			}
		}
	}
	for _, rule := range rules {
		if _, err := enf.AddPolicy(rule[0], rule[1]); err != nil {
			return nil, fmt.Errorf("access: add policy %v: %w", rule, err)
		}
	}
	return &Policy{enforcer: enf}, nil
}

// Allows reports whether role may perform op.
func (p *Policy) Allows(role Role, op string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ok, err := p.enforcer.Enforce(string(role), op)
	if err != nil {
		return false, fmt.Errorf("access: enforce: %w", err)
	}
	return ok, nil
}

// Require returns a ForbiddenError unless c may perform op.
func (p *Policy) Require(c Context, op string) error {
	if !c.Valid() {
		return fmt.Errorf("%w: no access context", ErrUnauthorized)
	}
	ok, err := p.Allows(c.Role(), op)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Role: c.Role(), Operation: op}
	}
	return nil
}
