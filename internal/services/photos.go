package services

import (
	"context"
	"fmt"

	"couple-sync/internal/collection"
	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/sweeper"

	"github.com/rs/zerolog/log"
)

type outgoingPhoto struct {
	AuthorID  string                  `json:"authorId"`
	ImageRef  string                  `json:"imageRef"`
	Timestamp remotestore.ServerValue `json:"timestamp"`
}

// PhotoView is what the user may see of today's exchange. Partner stays nil
// until the user's own photo exists.
type PhotoView struct {
	Own             *models.DailyPhoto
	Partner         *models.DailyPhoto
	PartnerUploaded bool
	// ExpiresAt is when the user's own photo leaves the exchange, in ms
	ExpiresAt int64
}

// DailyPhotos is the daily photo exchange of a couple
type DailyPhotos struct {
	session  *Session
	opts     Options
	path     string
	engine   *collection.Engine[models.DailyPhoto]
	onChange func(PhotoView)
}

// NewDailyPhotos opens the couple's photo exchange. onChange, if set,
// receives the view on every change.
func NewDailyPhotos(ctx context.Context, s *Session, opts Options, onChange func(PhotoView)) (*DailyPhotos, error) {
	opts = opts.withDefaults()
	p := &DailyPhotos{
		session:  s,
		opts:     opts,
		path:     remotestore.Join(PhotosCollection, s.CoupleID()),
		onChange: onChange,
	}
	p.engine = collection.New(collection.Options[models.DailyPhoto]{
		Transform: func(photos []models.DailyPhoto) ([]models.DailyPhoto, error) {
			return sweeper.FilterLive(photos, opts.nowMillis(), opts.Retention), nil
		},
		OnChange: func(_ []models.DailyPhoto, err error) {
			if err != nil {
				log.Warn().Err(err).Str("path", p.path).Msg("Photo sync error")
			}
			if p.onChange != nil {
				p.onChange(p.View())
			}
		},
	})
	if err := p.engine.Bind(ctx, s.manager, p.path); err != nil {
		return nil, err
	}
	return p, nil
}

// View applies expiry and the mutual reveal gate to the current photos
func (p *DailyPhotos) View() PhotoView {
	now := p.opts.nowMillis()
	uid, partner := p.session.UserID(), p.session.PartnerID()

	var own, theirs *models.DailyPhoto
	for _, photo := range sweeper.FilterLive(p.engine.Items(), now, p.opts.Retention) {
		photo := photo
		switch photo.AuthorID {
		case uid:
			own = &photo
		case partner:
			theirs = &photo
		}
	}

	view := PhotoView{Own: own, PartnerUploaded: theirs != nil}
	if own != nil {
		view.Partner = theirs
		view.ExpiresAt = own.Timestamp + p.opts.Retention.Milliseconds()
	}
	return view
}

// Upload adds the user's photo for today, replacing any earlier one
func (p *DailyPhotos) Upload(ctx context.Context, imageRef string) (string, error) {
	if imageRef == "" {
		return "", ErrEmptyImage
	}
	uid := p.session.UserID()
	var previous []string
	for _, photo := range p.engine.Items() {
		if photo.AuthorID == uid {
			previous = append(previous, photo.ID)
		}
	}

	id, err := p.session.conn.Append(ctx, p.path, outgoingPhoto{
		AuthorID:  uid,
		ImageRef:  imageRef,
		Timestamp: remotestore.ServerNow(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload daily photo: %w", err)
	}
	for _, old := range previous {
		if err := p.session.conn.Remove(ctx, remotestore.Join(p.path, old)); err != nil {
			log.Warn().Err(err).Str("photo_id", old).Msg("Failed to remove replaced photo")
		}
	}
	return id, nil
}

// Delete removes one of the user's own photos
func (p *DailyPhotos) Delete(ctx context.Context, photoID string) error {
	photo, ok := p.find(photoID)
	if !ok {
		return fmt.Errorf("photo %s: %w", photoID, ErrNotFound)
	}
	if photo.AuthorID != p.session.UserID() {
		return fmt.Errorf("photo %s: %w", photoID, ErrForbidden)
	}
	if err := p.session.conn.Remove(ctx, remotestore.Join(p.path, photoID)); err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	return nil
}

// React sets the user's reaction on a photo they can currently see
func (p *DailyPhotos) React(ctx context.Context, photoID, emoji string) error {
	view := p.View()
	visible := (view.Own != nil && view.Own.ID == photoID) || (view.Partner != nil && view.Partner.ID == photoID)
	if !visible {
		return fmt.Errorf("photo %s: %w", photoID, ErrNotFound)
	}
	var value any
	if emoji != "" {
		value = emoji
	}
	field := remotestore.Join("reactions", p.session.UserID())
	if err := p.session.conn.Update(ctx, remotestore.Join(p.path, photoID), map[string]any{field: value}); err != nil {
		return fmt.Errorf("failed to react to photo: %w", err)
	}
	return nil
}

func (p *DailyPhotos) find(photoID string) (models.DailyPhoto, bool) {
	for _, photo := range p.engine.Items() {
		if photo.ID == photoID {
			return photo, true
		}
	}
	return models.DailyPhoto{}, false
}

// Close stops listening
func (p *DailyPhotos) Close() {
	p.engine.Close()
}
