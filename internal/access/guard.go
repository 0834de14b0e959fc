package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Identity resolves an opaque credential to a principal.
type Identity interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// Guard turns inbound credentials into an AccessContext for one operation.
type Guard struct {
	Identity Identity
	Policy   *Policy
	Logger   *logrus.Entry
}

func (g Guard) logger() *logrus.Entry {
	if g.Logger != nil {
		return g.Logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// Authorize resolves token and checks that the principal may run op.
func (g Guard) Authorize(ctx context.Context, token, op string) (Context, error) {
	if g.Identity == nil || token == "" {
		return Context{}, fmt.Errorf("%w: credentials required", ErrUnauthorized)
	}
	p, err := g.Identity.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			return Context{}, err
		}
		return Context{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	c, err := New(p)
	if err != nil {
		g.logger().WithContext(ctx).WithFields(logrus.Fields{
			"principal": p.ID,
			"role":      p.Role,
			"operation": op,
		}).WithError(err).Warn("access context rejected")
		return Context{}, err
	}
	if g.Policy == nil {
		return c, nil
	}
	if err := g.Policy.Require(c, op); err != nil {
		g.logger().WithContext(ctx).WithFields(logrus.Fields{
			"principal": c.PrincipalID(),
			"role":      c.Role(),
			"operation": op,
		}).Warn("access denied")
		return Context{}, err
	}
	return c, nil
}
