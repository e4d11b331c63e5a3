package repository

import (
	"context"
	"errors"
	"fmt"

	"couple-sync/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

const uniqueViolation = "23505"

// AccountRepository handles database operations for accounts
type AccountRepository struct {
	db *pgxpool.Pool
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create creates a new account
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, email, password_hash, display_name, code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		account.ID, account.Email, account.PasswordHash, account.DisplayName, account.Code, account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("account %s: %w", account.Email, ErrDuplicate)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *AccountRepository) getOne(ctx context.Context, where string, arg any) (*models.Account, error) {
	query := `
		SELECT id, email, password_hash, display_name, code, created_at
		FROM accounts
		WHERE ` + where
	var account models.Account
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&account.ID, &account.Email, &account.PasswordHash, &account.DisplayName, &account.Code, &account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account not found: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByEmail retrieves an account by email
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.getOne(ctx, "email = $1", email)
}

// GetByCode retrieves an account by pairing code
func (r *AccountRepository) GetByCode(ctx context.Context, code string) (*models.Account, error) {
	return r.getOne(ctx, "code = $1", code)
}

// CodeExists checks if a code already exists
func (r *AccountRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM accounts WHERE code = $1)`
	var exists bool
	err := r.db.QueryRow(ctx, query, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check code existence: %w", err)
	}
	return exists, nil
}

// UpdatePushToken updates the push token for an account
func (r *AccountRepository) UpdatePushToken(ctx context.Context, id, pushToken string) error {
	query := `UPDATE accounts SET push_token = NULLIF($1, '') WHERE id = $2`
	result, err := r.db.Exec(ctx, query, pushToken, id)
	if err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("account not found: %w", ErrNotFound)
	}
	return nil
}

// GetPushToken returns the push token of an account, "" if none is set
func (r *AccountRepository) GetPushToken(ctx context.Context, id string) (string, error) {
	query := `SELECT COALESCE(push_token, '') FROM accounts WHERE id = $1`
	var token string
	if err := r.db.QueryRow(ctx, query, id).Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("account not found: %w", ErrNotFound)
		}
		return "", fmt.Errorf("failed to get push token: %w", err)
	}
	return token, nil
}
