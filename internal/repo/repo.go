package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"laudos/internal/access"
	"laudos/internal/db"
	"laudos/internal/domain"
)

// Repo is the SQL persistence layer. Every method runs inside a transaction
// obtained from Begin so the caller's AccessContext scopes it.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = domain.ErrNotFound

type scanner interface {
	Scan(dest ...any) error
}

// Begin opens a transaction bound to ac. On PostgreSQL the context is exposed
// to row-level security through transaction-local settings.
func (r Repo) Begin(ctx context.Context, ac access.Context) (*sql.Tx, error) {
	return r.begin(ctx, ac, nil)
}

func (r Repo) begin(ctx context.Context, ac access.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if !ac.Valid() {
		return nil, errors.Wrap(access.ErrUnauthorized, "access context required")
	}
	tx, err := r.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	if r.Dialect == db.Postgres {
		_, err := tx.ExecContext(ctx, `SELECT set_config('app.current_tenant', $1, true), set_config('app.current_org', $2, true), set_config('app.current_role', $3, true), set_config('app.current_principal', $4, true), set_config('app.current_scope', $5, true)`,
			ac.TenantID(), ac.OrganizationID(), string(ac.Role()), ac.PrincipalID(), ac.Role().Scope().String())
		if err != nil {
			_ = tx.Rollback()
			return nil, errors.Wrap(err, "apply access context")
		}
	}
	return tx, nil
}

// InTx runs fn in a transaction bound to ac and commits when fn succeeds.
func (r Repo) InTx(ctx context.Context, ac access.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.Begin(ctx, ac)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err, "commit")
	}
	return nil
}

// ReadTx runs fn in a read-only transaction bound to ac. On SQLite it opens
// with a deferred BEGIN, so readers never wait on the write lock.
func (r Repo) ReadTx(ctx context.Context, ac access.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.begin(ctx, ac, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

// mapErr translates constraint failures raised by the database into domain errors.
func mapErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	switch {
	case db.IsImmutableViolation(err):
		return errors.Wrap(domain.ErrImmutableState, msg+": "+err.Error())
	default:
		return errors.Wrap(err, msg)
	}
}

// scopeClause restricts a query on alias to the rows visible to ac.
func scopeClause(ac access.Context, alias string) (string, []any) {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}
	switch ac.Role().Scope() {
	case access.ScopeNone:
		return "1=1", nil
	case access.ScopeOrganization:
		if ac.TenantID() != "" {
			return col("organization_id") + "=? AND " + col("tenant_id") + "=?", []any{ac.OrganizationID(), ac.TenantID()}
		}
		return col("organization_id") + "=?", []any{ac.OrganizationID()}
	default:
		return col("tenant_id") + "=?", []any{ac.TenantID()}
	}
}

func nullableStr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
