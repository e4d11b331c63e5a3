package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name  TEXT NOT NULL,
		code          TEXT NOT NULL UNIQUE,
		push_token    TEXT,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS couples (
		id         TEXT PRIMARY KEY,
		member1    TEXT NOT NULL UNIQUE REFERENCES accounts(id),
		member2    TEXT NOT NULL UNIQUE REFERENCES accounts(id),
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist yet
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
