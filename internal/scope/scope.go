// Package scope implements component G, TenantScope: an explicit object
// wrapping a pooled connection and a tenant-or-operator identity, replacing
// the donor system's implicit per-request context variables (see Design
// Notes in SPEC_FULL.md). Every data-plane store call takes a *Scope
// explicitly; there is no ambient lookup, so forgetting to pass one is a
// compile error rather than a runtime one.
package scope

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Mode identifies how a Scope was entered.
type Mode int

const (
	// ModeTenant restricts every query on the wrapped connection to rows
	// owned by TenantID, via the row-level-security session variable.
	ModeTenant Mode = iota
	// ModeOperator bypasses the row-level filter entirely. Every entry into
	// operator mode must be preceded by a synchronous audit write (see
	// EnterOperator) before the scope is usable.
	ModeOperator
)

// AuditWriter is the minimal surface Scope needs to satisfy the synchronous
// audit-before-usable requirement of spec §4.13, without internal/scope
// importing internal/audit's full Writer (which itself has no need of
// Scope, but keeping the dependency one-directional avoids a cycle as both
// packages grow).
type AuditWriter interface {
	WriteSync(ctx context.Context, operatorID, action, targetTenant, requestIP string, resultCode int) error
}

// Scope binds a pooled connection to a tenant or operator identity for the
// duration of one logical unit of work. The zero value is not usable; every
// Scope must be created via EnterTenant or EnterOperator and released via
// Release when the caller is done with it.
type Scope struct {
	mode       Mode
	tenantID   string
	operatorID string
	conn       *pgxpool.Conn
}

// Mode reports how the scope was entered.
func (s *Scope) Mode() Mode { return s.mode }

// TenantID returns the bound tenant id. Empty in operator mode.
func (s *Scope) TenantID() string { return s.tenantID }

// OperatorID returns the bound operator id. Empty in tenant mode.
func (s *Scope) OperatorID() string { return s.operatorID }

// currentTenantGUC is the Postgres session variable row-level-security
// policies are expected to filter on, e.g.
// USING (tenant_id = current_setting('fieldmesh.current_tenant', true)).
const currentTenantGUC = "fieldmesh.current_tenant"
const bypassRLSGUC = "fieldmesh.bypass_rls"

// EnterTenant acquires a connection from pool and binds it to tenantID.
// Queries made through the returned Scope are filtered to rows owned by
// tenantID by Postgres row-level-security policies keyed on the session GUC;
// an empty tenantID therefore fails closed (every query returns zero rows,
// see spec §8 scenario 4) rather than erroring.
func EnterTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string) (*Scope, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT set_config($1, $2, false)", currentTenantGUC, tenantID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("binding tenant scope: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET %s = false", bypassRLSGUC)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("clearing bypass flag: %w", err)
	}
	return &Scope{mode: ModeTenant, tenantID: tenantID, conn: conn}, nil
}

// EnterOperator acquires a connection and binds it to operatorID, bypassing
// row-level filtering for every call made through the returned Scope. Per
// spec §4.13, the scope is not usable until an AuditRecord documenting the
// entry has been written synchronously — this function writes it, with
// resultCode 0 meaning "entry granted", before the connection's bypass flag
// is set and before it returns. If the audit write fails, the scope is not
// created and the caller's operation must not proceed.
func EnterOperator(ctx context.Context, pool *pgxpool.Pool, operatorID, action, targetTenant, requestIP string, audit AuditWriter) (*Scope, error) {
	if err := audit.WriteSync(ctx, operatorID, action, targetTenant, requestIP, 0); err != nil {
		return nil, fmt.Errorf("writing synchronous audit record before operator scope entry: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET %s = true", bypassRLSGUC)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("setting operator bypass: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET %s = ''", currentTenantGUC)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("clearing tenant scope: %w", err)
	}
	return &Scope{mode: ModeOperator, operatorID: operatorID, conn: conn}, nil
}

// Release clears the session variables and returns the connection to the
// pool. It is safe to call once; calling it twice is a programming error
// the caller must avoid (mirrors pgxpool.Conn.Release semantics).
func (s *Scope) Release(ctx context.Context) {
	if s == nil || s.conn == nil {
		return
	}
	_, _ = s.conn.Exec(ctx, fmt.Sprintf("RESET %s", currentTenantGUC))
	_, _ = s.conn.Exec(ctx, fmt.Sprintf("RESET %s", bypassRLSGUC))
	s.conn.Release()
	s.conn = nil
}

// Query executes a row-returning query on the scope's connection.
func (s *Scope) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if s == nil || s.conn == nil {
		return nil, fmt.Errorf("scope: use of released or zero-value scope")
	}
	return s.conn.Query(ctx, sql, args...)
}

// QueryRow executes a single-row query on the scope's connection.
func (s *Scope) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s == nil || s.conn == nil {
		return errRow{fmt.Errorf("scope: use of released or zero-value scope")}
	}
	return s.conn.QueryRow(ctx, sql, args...)
}

// Exec executes a statement on the scope's connection.
func (s *Scope) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if s == nil || s.conn == nil {
		return 0, fmt.Errorf("scope: use of released or zero-value scope")
	}
	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Conn exposes the underlying pooled connection for callers that need
// transaction control (pgx.Tx) or batch APIs beyond Query/QueryRow/Exec.
func (s *Scope) Conn() *pgxpool.Conn { return s.conn }

type errRow struct{ err error }

func (e errRow) Scan(...any) error { return e.err }
