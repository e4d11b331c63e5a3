package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/repository"

	"github.com/go-playground/assert/v2"
)

type fakeCouples struct {
	mu      sync.Mutex
	couples map[string]*models.Couple
}

func newFakeCouples() *fakeCouples {
	return &fakeCouples{couples: make(map[string]*models.Couple)}
}

func (f *fakeCouples) Create(ctx context.Context, c *models.Couple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *c
	f.couples[c.ID] = &copied
	return nil
}

func (f *fakeCouples) GetByID(ctx context.Context, id string) (*models.Couple, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.couples[id]
	if !ok {
		return nil, fmt.Errorf("couple not found: %w", repository.ErrNotFound)
	}
	return c, nil
}

func (f *fakeCouples) GetByUserID(ctx context.Context, userID string) (*models.Couple, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.couples {
		if c.HasMember(userID) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("couple not found: %w", repository.ErrNotFound)
}

func (f *fakeCouples) UserHasCouple(ctx context.Context, userID string) (bool, error) {
	_, err := f.GetByUserID(ctx, userID)
	return err == nil, nil
}

func (f *fakeCouples) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.couples, id)
	return nil
}

func newPairing(t *testing.T) (*CoupleService, *remotestore.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	accounts := newFakeAccounts()
	store := remotestore.NewMemoryStore()
	for _, a := range []models.Account{
		{ID: "u1", Email: "a@x.io", Code: "AAAAAA"},
		{ID: "u2", Email: "b@x.io", Code: "BBBBBB"},
		{ID: "u3", Email: "c@x.io", Code: "CCCCCC"},
	} {
		a := a
		a.CreatedAt = time.Now()
		accounts.Create(ctx, &a)
		store.Write(ctx, "users/"+a.ID, models.Profile{UID: a.ID, Email: a.Email, Code: a.Code})
	}
	return NewCoupleService(newFakeCouples(), accounts, store), store
}

func TestPairPublishesCoupleAndProfiles(t *testing.T) {
	svc, store := newPairing(t)
	ctx := context.Background()

	couple, err := svc.Pair(ctx, "u2", "AAAAAA")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	assert.Equal(t, "u1", couple.Member1)
	assert.Equal(t, "u2", couple.Member2)

	stored, err := readCouple(ctx, store, couple.ID)
	if err != nil {
		t.Fatalf("read couple: %v", err)
	}
	assert.Equal(t, "u2", stored.Partner("u1"))
	for _, uid := range []string{"u1", "u2"} {
		profile, _ := readProfile(ctx, store, uid)
		assert.Equal(t, couple.ID, profile.CoupleID)
	}

	got, err := svc.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assert.Equal(t, couple.ID, got.ID)
}

func TestPairRejections(t *testing.T) {
	svc, _ := newPairing(t)
	ctx := context.Background()

	_, err := svc.Pair(ctx, "u1", "ABC")
	assert.Equal(t, ErrInvalidCode, err)
	_, err = svc.Pair(ctx, "u1", "AAAAAA")
	assert.Equal(t, ErrSelfPair, err)
	_, err = svc.Pair(ctx, "u1", "ZZZZZZ")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	if _, err := svc.Pair(ctx, "u1", "BBBBBB"); err != nil {
		t.Fatalf("pair: %v", err)
	}
	_, err = svc.Pair(ctx, "u3", "AAAAAA")
	assert.Equal(t, ErrAlreadyPaired, err)
	_, err = svc.Get(ctx, "u3")
	assert.Equal(t, ErrNoCouple, err)
}

func TestUnpairClearsCouple(t *testing.T) {
	svc, store := newPairing(t)
	ctx := context.Background()
	couple, _ := svc.Pair(ctx, "u1", "BBBBBB")

	err := svc.Unpair(ctx, couple.ID, "u3")
	assert.Equal(t, true, errors.Is(err, ErrForbidden))

	if err := svc.Unpair(ctx, couple.ID, "u2"); err != nil {
		t.Fatalf("unpair: %v", err)
	}
	_, err = readCouple(ctx, store, couple.ID)
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
	profile, _ := readProfile(ctx, store, "u1")
	assert.Equal(t, "", profile.CoupleID)

	// pairing again with someone else works
	if _, err := svc.Pair(ctx, "u1", "CCCCCC"); err != nil {
		t.Fatalf("re-pair: %v", err)
	}
}
