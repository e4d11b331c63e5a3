package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

const pushTimeout = 10 * time.Second

// Pusher sends one notification to APNs
type Pusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// PushTokenSource returns the device token registered for a user
type PushTokenSource interface {
	GetPushToken(ctx context.Context, userID string) (string, error)
}

// APNSConfig holds the token based APNs credentials
type APNSConfig struct {
	KeyFile    string
	KeyID      string
	TeamID     string
	Production bool
}

// NewAPNSClient creates a token authenticated APNs client
func NewAPNSClient(cfg APNSConfig) (*apns2.Client, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		return client.Production(), nil
	}
	return client.Development(), nil
}

// PartnerNotifier pushes a notification to the partner when a message or a
// daily photo is added
type PartnerNotifier struct {
	pusher Pusher
	tokens PushTokenSource
	store  remotestore.Store
	topic  string
}

// NewPartnerNotifier creates a new partner notifier
func NewPartnerNotifier(pusher Pusher, tokens PushTokenSource, store remotestore.Store, topic string) *PartnerNotifier {
	return &PartnerNotifier{pusher: pusher, tokens: tokens, store: store, topic: topic}
}

// Hook matches realtime.WriteHook. The push is sent in the background.
func (n *PartnerNotifier) Hook(_ context.Context, uid, collection, key string, value json.RawMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if err := n.Notify(ctx, uid, collection, key, value); err != nil {
			log.Warn().Err(err).Str("user_id", uid).Str("collection", collection).Msg("Failed to notify partner")
		}
	}()
}

// Notify sends the push for a record uid added to collection. Records outside
// messages and daily photos are ignored.
func (n *PartnerNotifier) Notify(ctx context.Context, uid, collection, key string, value json.RawMessage) error {
	root, coupleID, ok := strings.Cut(collection, "/")
	if !ok || strings.Contains(coupleID, "/") {
		return nil
	}

	var p *payload.Payload
	switch root {
	case MessagesCollection:
		var msg struct {
			Text string             `json:"text"`
			Type models.MessageType `json:"type"`
		}
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		p = payload.NewPayload().AlertTitle("New message").AlertBody(messagePreview(msg.Type, msg.Text))
	case PhotosCollection:
		p = payload.NewPayload().AlertTitle("Daily photo").AlertBody("Your partner shared today's photo")
	default:
		return nil
	}

	couple, err := readCouple(ctx, n.store, coupleID)
	if err != nil {
		return fmt.Errorf("failed to resolve couple: %w", err)
	}
	partner := couple.Partner(uid)
	if partner == "" {
		return nil
	}
	deviceToken, err := n.tokens.GetPushToken(ctx, partner)
	if err != nil {
		return fmt.Errorf("failed to get push token: %w", err)
	}
	if deviceToken == "" {
		return nil
	}

	res, err := n.pusher.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       n.topic,
		PushType:    apns2.PushTypeAlert,
		Payload:     p.Sound("default").ThreadID(coupleID).Custom("key", key),
	})
	if err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	if !res.Sent() {
		return fmt.Errorf("push rejected: %d %s", res.StatusCode, res.Reason)
	}
	log.Debug().Str("user_id", partner).Str("apns_id", res.ApnsID).Msg("Partner notified")
	return nil
}

func messagePreview(kind models.MessageType, text string) string {
	switch kind {
	case models.MessageHeartbeat:
		return "💓"
	case models.MessageImage:
		if text == "" {
			return "📷 Photo"
		}
	}
	const maxPreview = 120
	if r := []rune(text); len(r) > maxPreview {
		return string(r[:maxPreview]) + "…"
	}
	return text
}
