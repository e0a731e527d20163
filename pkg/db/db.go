// Package db holds the PostgreSQL plumbing shared by the ledger: a pgx pool,
// scany-backed query helpers and goose migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	_ "nilgw/pkg/db/migrations"
)

// DefaultTimeout bounds every ledger query.
const DefaultTimeout = 5 * time.Second

// Open connects a pool to dsn and pings it.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	// goose reuses this DSN through database/sql; keep both on the simple protocol.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Ping(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate applies every pending migration and returns the resulting schema version.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	var version int64
	err := withSQL(pool, func(sqlDB *sql.DB) error {
		if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
			return err
		}
		v, err := goose.GetDBVersionContext(ctx, sqlDB)
		version = v
		return err
	})
	return version, err
}

func withSQL(pool *pgxpool.Pool, fn func(*sql.DB) error) error {
	if pool == nil {
		return errors.New("nil pool provided")
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	sqlDB, err := goose.OpenDBWithDriver("pgx", pool.Config().ConnConfig.ConnString())
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return fn(sqlDB)
}

// Exec runs a statement under DefaultTimeout.
func Exec(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return pool.Exec(ctx, query, args...)
}

// Get scans one row into dest under DefaultTimeout.
func Get(ctx context.Context, pool *pgxpool.Pool, dest any, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return pgxscan.Get(ctx, pool, dest, query, args...)
}

// Select scans all rows into dest under DefaultTimeout.
func Select(ctx context.Context, pool *pgxpool.Pool, dest any, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return pgxscan.Select(ctx, pool, dest, query, args...)
}

// NotFound reports whether err means the query matched no rows.
func NotFound(err error) bool {
	return pgxscan.NotFound(err) || errors.Is(err, pgx.ErrNoRows)
}

// Ping checks the pool under DefaultTimeout.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return pool.Ping(ctx)
}
