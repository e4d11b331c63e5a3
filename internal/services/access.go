package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"couple-sync/internal/models"
	"couple-sync/internal/presence"
	"couple-sync/internal/realtime"
	"couple-sync/internal/remotestore"

	"github.com/rs/zerolog/log"
)

// Collections scoped under a couple id. Live strokes sit under
// LiveCollection/{coupleId}.
const (
	UsersCollection    = "users"
	CouplesCollection  = "couples"
	MessagesCollection = "messages"
	PhotosCollection   = "dailyPhotos"
	StrokesCollection  = "canvasStrokes"
	LiveCollection     = "canvas/live"
	JournalCollection  = "journal"
)

// CoupleAccess returns the gateway rules for the couple layout. Profiles,
// presence and couple records are readable by every signed in user; a user
// writes only their own profile, presence and typing flag; couple scoped
// collections are open to the two members only.
func CoupleAccess(store remotestore.Store) realtime.AccessFunc {
	return func(ctx context.Context, req realtime.Request) error {
		segments := strings.Split(req.Path, "/")
		uid := req.UserID
		read := isRead(req.Op)

		switch segments[0] {
		case UsersCollection, presence.Collection:
			if read || (len(segments) >= 2 && segments[1] == uid) {
				return nil
			}
		case CouplesCollection:
			if read {
				return nil
			}
		case presence.TypingCollection:
			if len(segments) < 2 {
				break
			}
			if err := requireMember(ctx, store, segments[1], uid); err != nil {
				return err
			}
			if read || (len(segments) == 3 && segments[2] == uid) {
				return nil
			}
		case "canvas":
			// canvas/live/{coupleId}[/{strokeId}]
			if len(segments) < 3 || len(segments) > 4 || segments[1] != "live" {
				break
			}
			if err := requireMember(ctx, store, segments[2], uid); err != nil {
				return err
			}
			if recordAllowed(ctx, store, req, LiveCollection, strings.Join(segments[:3], "/"), segments[3:]) {
				return nil
			}
		case MessagesCollection, PhotosCollection, StrokesCollection, JournalCollection:
			if len(segments) < 2 || len(segments) > 3 {
				break
			}
			if err := requireMember(ctx, store, segments[1], uid); err != nil {
				return err
			}
			if recordAllowed(ctx, store, req, segments[0], strings.Join(segments[:2], "/"), segments[2:]) {
				return nil
			}
		}
		return fmt.Errorf("%s %s: %w", req.Op, req.Path, ErrForbidden)
	}
}

func isRead(op string) bool {
	return op == realtime.OpSubscribe || op == realtime.OpRead
}

// recordAllowed applies the per record rules of a couple collection once
// membership is established. rest holds the record key, if the path has one.
//
// New records must carry the writer as author. Only the author rewrites or
// deletes a message or photo; the partner may only set their own reaction.
// Either member may clear the canvas. The journal is append only.
func recordAllowed(ctx context.Context, store remotestore.Store, req realtime.Request, kind, collection string, rest []string) bool {
	if isRead(req.Op) {
		return true
	}
	key := ""
	if len(rest) == 1 {
		key = rest[0]
	}

	switch req.Op {
	case realtime.OpAppend:
		return key == "" && valueAuthor(req.Value) == req.UserID
	case realtime.OpWrite:
		if key == "" || kind == JournalCollection || valueAuthor(req.Value) != req.UserID {
			return false
		}
		author, exists := recordAuthor(ctx, store, collection, key)
		return !exists || author == req.UserID
	case realtime.OpUpdate:
		if key == "" || (kind != MessagesCollection && kind != PhotosCollection) || len(req.Fields) == 0 {
			return false
		}
		own := remotestore.Join("reactions", req.UserID)
		for field := range req.Fields {
			if field != own {
				return false
			}
		}
		return true
	case realtime.OpRemove:
		switch kind {
		case StrokesCollection, LiveCollection:
			return true
		case MessagesCollection, PhotosCollection:
			if key == "" {
				return false
			}
			author, exists := recordAuthor(ctx, store, collection, key)
			// removing a missing record is a no-op
			return !exists || author == req.UserID
		}
	}
	return false
}

func valueAuthor(raw json.RawMessage) string {
	var record struct {
		AuthorID string `json:"authorId"`
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		return ""
	}
	return record.AuthorID
}

// recordAuthor returns the author of collection/key and whether the record exists
func recordAuthor(ctx context.Context, store remotestore.Store, collection, key string) (string, bool) {
	snap, err := store.Read(ctx, collection)
	if err != nil {
		log.Warn().Err(err).Str("path", collection).Msg("Failed to read record for access check")
		return "", true
	}
	var record struct {
		AuthorID string `json:"authorId"`
	}
	if err := snap.Decode(key, &record); err != nil {
		return "", false
	}
	return record.AuthorID, true
}

func requireMember(ctx context.Context, store remotestore.Store, coupleID, uid string) error {
	couple, err := readCouple(ctx, store, coupleID)
	if err != nil {
		return fmt.Errorf("couple %s: %w", coupleID, ErrForbidden)
	}
	if !couple.HasMember(uid) {
		return fmt.Errorf("couple %s: %w", coupleID, ErrForbidden)
	}
	return nil
}

func readCouple(ctx context.Context, store remotestore.Store, coupleID string) (*models.Couple, error) {
	snap, err := store.Read(ctx, CouplesCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to read couples: %w", err)
	}
	var couple models.Couple
	if err := snap.Decode(coupleID, &couple); err != nil {
		return nil, err
	}
	couple.ID = coupleID
	return &couple, nil
}

func readProfile(ctx context.Context, store remotestore.Store, uid string) (*models.Profile, error) {
	snap, err := store.Read(ctx, UsersCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to read users: %w", err)
	}
	var profile models.Profile
	if err := snap.Decode(uid, &profile); err != nil {
		return nil, err
	}
	profile.UID = uid
	return &profile, nil
}
