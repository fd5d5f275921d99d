// Package database owns the Postgres connection pool, transaction helper,
// and embedded schema migrations. Postgres is the authoritative store for
// every durable table in the core; Redis only fronts it for latency.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres wraps the sqlx pool shared by all repositories.
type Postgres struct {
	DB *sqlx.DB
}

// Connect opens and pings the pool.
func Connect(dsn string, maxOpen, maxIdle int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{DB: db}, nil
}

// Migrate applies the embedded goose migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, p.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Close shuts the pool down.
func (p *Postgres) Close() error {
	return p.DB.Close()
}

// TableRowCount returns the estimated row count of a table, used by the
// maintenance loop to decide whether time-partitioning is due.
func (p *Postgres) TableRowCount(ctx context.Context, table string) (int64, error) {
	var n sql.NullInt64
	err := p.DB.GetContext(ctx, &n,
		`SELECT reltuples::bigint FROM pg_class WHERE relname = $1`, table)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("estimate rows for %s: %w", table, err)
	}
	return n.Int64, nil
}
