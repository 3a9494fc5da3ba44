package store

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql migrations/tenant/*.sql
var migrationFiles embed.FS

// RunMigrations executes the embedded SQL migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ProvisionTenant creates the tenant schema if missing and runs the tenant
// entity migrations inside it.
func (s *Store) ProvisionTenant(ctx context.Context, spaceCode string) error {
	if spaceCode == "" || spaceCode == "public" {
		return fmt.Errorf("invalid space code %q", spaceCode)
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "SET search_path TO public")
		conn.Release()
	}()

	schema := pgx.Identifier{spaceCode}.Sanitize()
	if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create schema %s: %w", spaceCode, err)
	}
	if _, err := conn.Exec(ctx, "SET search_path TO "+schema); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations/tenant")
	if err != nil {
		return fmt.Errorf("read tenant migrations dir: %w", err)
	}
	for _, e := range entries {
		content, err := migrationFiles.ReadFile("migrations/tenant/" + e.Name())
		if err != nil {
			return fmt.Errorf("read tenant migration %s: %w", e.Name(), err)
		}
		if _, err := conn.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("exec tenant migration %s: %w", e.Name(), err)
		}
	}
	return nil
}
