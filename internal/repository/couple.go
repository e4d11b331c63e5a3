package repository

import (
	"context"
	"errors"
	"fmt"

	"couple-sync/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CoupleRepository handles database operations for couples
type CoupleRepository struct {
	db *pgxpool.Pool
}

// NewCoupleRepository creates a new couple repository
func NewCoupleRepository(db *pgxpool.Pool) *CoupleRepository {
	return &CoupleRepository{db: db}
}

// Create creates a new couple
func (r *CoupleRepository) Create(ctx context.Context, couple *models.Couple) error {
	query := `
		INSERT INTO couples (id, member1, member2, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, couple.ID, couple.Member1, couple.Member2, couple.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create couple: %w", err)
	}
	return nil
}

// GetByID retrieves a couple by ID
func (r *CoupleRepository) GetByID(ctx context.Context, id string) (*models.Couple, error) {
	query := `
		SELECT id, member1, member2, created_at
		FROM couples
		WHERE id = $1
	`
	var couple models.Couple
	err := r.db.QueryRow(ctx, query, id).Scan(&couple.ID, &couple.Member1, &couple.Member2, &couple.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("couple not found: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get couple: %w", err)
	}
	return &couple, nil
}

// GetByUserID retrieves the couple a user belongs to
func (r *CoupleRepository) GetByUserID(ctx context.Context, userID string) (*models.Couple, error) {
	query := `
		SELECT id, member1, member2, created_at
		FROM couples
		WHERE member1 = $1 OR member2 = $1
		LIMIT 1
	`
	var couple models.Couple
	err := r.db.QueryRow(ctx, query, userID).Scan(&couple.ID, &couple.Member1, &couple.Member2, &couple.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("couple not found: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get couple by user id: %w", err)
	}
	return &couple, nil
}

// UserHasCouple checks if a user is already in a couple
func (r *CoupleRepository) UserHasCouple(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM couples WHERE member1 = $1 OR member2 = $1)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check if user has couple: %w", err)
	}
	return exists, nil
}

// Delete deletes a couple by ID
func (r *CoupleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM couples WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete couple: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("couple not found: %w", ErrNotFound)
	}
	return nil
}
