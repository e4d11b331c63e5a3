package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CoupleStore is the relational couple storage CoupleService needs
type CoupleStore interface {
	Create(ctx context.Context, couple *models.Couple) error
	GetByID(ctx context.Context, id string) (*models.Couple, error)
	GetByUserID(ctx context.Context, userID string) (*models.Couple, error)
	UserHasCouple(ctx context.Context, userID string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// CodeLookup finds an account by its pairing code
type CodeLookup interface {
	GetByCode(ctx context.Context, code string) (*models.Account, error)
}

// CoupleService pairs users and mirrors the pairing into the realtime store
type CoupleService struct {
	couples  CoupleStore
	accounts CodeLookup
	store    remotestore.Store
}

// NewCoupleService creates a new couple service
func NewCoupleService(couples CoupleStore, accounts CodeLookup, store remotestore.Store) *CoupleService {
	return &CoupleService{couples: couples, accounts: accounts, store: store}
}

// Pair creates a couple between uid and the owner of partnerCode
func (s *CoupleService) Pair(ctx context.Context, uid, partnerCode string) (*models.Couple, error) {
	if len(partnerCode) != codeLength {
		return nil, ErrInvalidCode
	}

	partner, err := s.accounts.GetByCode(ctx, partnerCode)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("partner %s: %w", partnerCode, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find partner: %w", err)
	}
	if partner.ID == uid {
		return nil, ErrSelfPair
	}

	for _, member := range []string{uid, partner.ID} {
		has, err := s.couples.UserHasCouple(ctx, member)
		if err != nil {
			return nil, fmt.Errorf("failed to check if user has couple: %w", err)
		}
		if has {
			return nil, ErrAlreadyPaired
		}
	}

	// member1 is the lexically smaller id so a couple has one canonical form
	member1, member2 := uid, partner.ID
	if member1 > member2 {
		member1, member2 = member2, member1
	}
	couple := &models.Couple{
		ID:        uuid.New().String(),
		Member1:   member1,
		Member2:   member2,
		CreatedAt: time.Now(),
	}
	if err := s.couples.Create(ctx, couple); err != nil {
		return nil, fmt.Errorf("failed to create couple: %w", err)
	}

	if err := s.store.Write(ctx, remotestore.Join(CouplesCollection, couple.ID), couple); err != nil {
		return nil, fmt.Errorf("failed to publish couple: %w", err)
	}
	for _, member := range []string{member1, member2} {
		s.setCoupleID(ctx, member, couple.ID)
	}

	log.Info().Str("couple_id", couple.ID).Str("member1", member1).Str("member2", member2).Msg("Couple created")
	return couple, nil
}

// Get returns the couple of uid
func (s *CoupleService) Get(ctx context.Context, uid string) (*models.Couple, error) {
	couple, err := s.couples.GetByUserID(ctx, uid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoCouple
		}
		return nil, fmt.Errorf("failed to get couple: %w", err)
	}
	return couple, nil
}

// Unpair dissolves a couple uid belongs to. The couple's collections are left
// for the sweeper and the journal is kept.
func (s *CoupleService) Unpair(ctx context.Context, coupleID, uid string) error {
	couple, err := s.couples.GetByID(ctx, coupleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("couple %s: %w", coupleID, ErrNotFound)
		}
		return fmt.Errorf("failed to get couple: %w", err)
	}
	if !couple.HasMember(uid) {
		return fmt.Errorf("couple %s: %w", coupleID, ErrForbidden)
	}

	if err := s.couples.Delete(ctx, coupleID); err != nil {
		return fmt.Errorf("failed to delete couple: %w", err)
	}
	if err := s.store.Remove(ctx, remotestore.Join(CouplesCollection, coupleID)); err != nil {
		return fmt.Errorf("failed to unpublish couple: %w", err)
	}
	for _, member := range []string{couple.Member1, couple.Member2} {
		s.setCoupleID(ctx, member, "")
	}
	log.Info().Str("couple_id", coupleID).Msg("Couple dissolved")
	return nil
}

func (s *CoupleService) setCoupleID(ctx context.Context, uid, coupleID string) {
	var value any
	if coupleID != "" {
		value = coupleID
	}
	err := s.store.Update(ctx, remotestore.Join(UsersCollection, uid), map[string]any{"coupleId": value})
	if err != nil {
		log.Warn().Err(err).Str("user_id", uid).Msg("Failed to update profile couple")
	}
}
