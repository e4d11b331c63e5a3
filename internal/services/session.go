package services

import (
	"context"
	"errors"
	"fmt"

	"couple-sync/internal/models"
	"couple-sync/internal/presence"
	"couple-sync/internal/subscriptions"

	"github.com/rs/zerolog/log"
)

// Session is one signed in participant: their profile, their couple and the
// presence record kept for them while the session is open
type Session struct {
	conn     presence.Transport
	manager  *subscriptions.Manager
	profile  models.Profile
	couple   models.Couple
	presence *presence.Tracker
	watch    *subscriptions.Handle
}

// OpenSession resolves uid's profile and couple once and starts presence
func OpenSession(ctx context.Context, conn presence.Transport, manager *subscriptions.Manager, uid string) (*Session, error) {
	profile, err := readProfile(ctx, conn, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile.CoupleID == "" {
		return nil, ErrNoCouple
	}
	couple, err := readCouple(ctx, conn, profile.CoupleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoCouple
		}
		return nil, fmt.Errorf("failed to load couple: %w", err)
	}
	if !couple.HasMember(uid) {
		return nil, ErrNoCouple
	}

	s := &Session{
		conn:     conn,
		manager:  manager,
		profile:  *profile,
		couple:   *couple,
		presence: presence.NewTracker(conn, uid),
	}
	s.presence.Start(ctx)
	log.Info().Str("user_id", uid).Str("couple_id", couple.ID).Msg("Session opened")
	return s, nil
}

// UserID returns the signed in user
func (s *Session) UserID() string { return s.profile.UID }

// CoupleID returns the shared namespace of the couple
func (s *Session) CoupleID() string { return s.couple.ID }

// PartnerID returns the other member of the couple
func (s *Session) PartnerID() string { return s.couple.Partner(s.profile.UID) }

// Profile returns the profile read when the session was opened
func (s *Session) Profile() models.Profile { return s.profile }

// WatchPartner calls fn with the partner's presence on every change
func (s *Session) WatchPartner(ctx context.Context, fn func(models.PresenceRecord)) error {
	h, err := presence.Watch(ctx, s.manager, s.PartnerID(), fn)
	if err != nil {
		return fmt.Errorf("failed to watch partner presence: %w", err)
	}
	if s.watch != nil {
		s.manager.Detach(s.watch)
	}
	s.watch = h
	return nil
}

// Close marks the user offline and stops watching the partner
func (s *Session) Close(ctx context.Context) error {
	if s.watch != nil {
		s.manager.Detach(s.watch)
		s.watch = nil
	}
	return s.presence.Stop(ctx)
}
