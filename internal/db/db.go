package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"bustracker/internal/transit"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// EnsureDatabase creates the database named in dsn when it does not exist,
// connecting through the cluster's maintenance database to do so.
func EnsureDatabase(ctx context.Context, dsn string) error {
	name, err := DBName(dsn)
	if err != nil {
		return err
	}
	if name == "" || name == "postgres" {
		return nil
	}
	rootDSN, err := WithDBName(dsn, "postgres")
	if err != nil {
		return fmt.Errorf("maintenance DSN: %w", err)
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return err
	}
	defer meta.Close()

	var exists bool
	if err := meta.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return ioErr("look up database "+name, err)
	}
	if exists {
		return nil
	}
	if _, err := meta.ExecContext(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return ioErr("create database "+name, err)
	}
	return nil
}

// ioErr marks a driver failure as transient while keeping the cause visible.
func ioErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, transit.ErrTransientIO, err)
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
