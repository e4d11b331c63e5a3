package services

import (
	"context"
	"fmt"
	"strings"

	"couple-sync/internal/collection"
	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
)

type outgoingEntry struct {
	AuthorID  string                  `json:"authorId"`
	Text      string                  `json:"text"`
	Timestamp remotestore.ServerValue `json:"timestamp"`
}

// Journal is the couple's shared, append only journal
type Journal struct {
	session *Session
	path    string
	engine  *collection.Engine[models.JournalEntry]
}

// NewJournal opens the couple's journal
func NewJournal(ctx context.Context, s *Session, onChange func([]models.JournalEntry)) (*Journal, error) {
	j := &Journal{
		session: s,
		path:    remotestore.Join(JournalCollection, s.CoupleID()),
	}
	j.engine = collection.New(collection.Options[models.JournalEntry]{
		OnChange: func(entries []models.JournalEntry, _ error) {
			if onChange != nil {
				onChange(entries)
			}
		},
	})
	if err := j.engine.Bind(ctx, s.manager, j.path); err != nil {
		return nil, err
	}
	return j, nil
}

// Add appends an entry
func (j *Journal) Add(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyEntry
	}
	id, err := j.session.conn.Append(ctx, j.path, outgoingEntry{
		AuthorID:  j.session.UserID(),
		Text:      text,
		Timestamp: remotestore.ServerNow(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to add journal entry: %w", err)
	}
	return id, nil
}

// Entries returns every entry, oldest first
func (j *Journal) Entries() []models.JournalEntry {
	return j.engine.Items()
}

// Close stops listening
func (j *Journal) Close() {
	j.engine.Close()
}
