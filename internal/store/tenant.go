package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantError means a tenant schema could not be bound. Fail-closed: callers
// must mark the task failed and never retry against the wrong schema.
type TenantError struct {
	SpaceCode string
	Reason    string
}

func (e *TenantError) Error() string {
	return fmt.Sprintf("tenant %q: %s", e.SpaceCode, e.Reason)
}

// Session is a single pooled connection bound to one tenant schema. All
// unqualified queries hit the tenant's tables until Release.
type Session struct {
	conn      *pgxpool.Conn
	spaceCode string
}

func (s *Session) SpaceCode() string { return s.spaceCode }

func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.conn.Exec(ctx, sql, args...)
}

func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.conn.Query(ctx, sql, args...)
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s *Session) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.conn.Begin(ctx)
}

// BindTenant verifies the schema exists and returns a Session whose
// search_path is set to it. The release func restores search_path to public
// and returns the connection to the pool; callers must defer it so the
// restore runs on every exit path, panics included.
func (s *Store) BindTenant(ctx context.Context, spaceCode string) (*Session, func(), error) {
	if spaceCode == "" {
		return nil, nil, &TenantError{SpaceCode: spaceCode, Reason: "empty space code"}
	}

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)
	`, spaceCode).Scan(&exists)
	if err != nil {
		return nil, nil, fmt.Errorf("check schema %q: %w", spaceCode, err)
	}
	if !exists {
		return nil, nil, &TenantError{SpaceCode: spaceCode, Reason: "schema does not exist"}
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{spaceCode}.Sanitize()); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("set search_path to %q: %w", spaceCode, err)
	}

	release := func() {
		// Reset is best-effort; a broken connection gets discarded by
		// the pool anyway.
		_, _ = conn.Exec(context.Background(), "SET search_path TO public")
		conn.Release()
	}
	return &Session{conn: conn, spaceCode: spaceCode}, release, nil
}
