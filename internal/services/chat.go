package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"couple-sync/internal/collection"
	"couple-sync/internal/models"
	"couple-sync/internal/optimistic"
	"couple-sync/internal/presence"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/subscriptions"

	"github.com/rs/zerolog/log"
)

// outgoingMessage is the stored shape of a new message. The timestamp is
// filled in by the store.
type outgoingMessage struct {
	Text      string                  `json:"text"`
	AuthorID  string                  `json:"authorId"`
	Timestamp remotestore.ServerValue `json:"timestamp"`
	Type      models.MessageType      `json:"type"`
	ImageRef  string                  `json:"imageRef,omitempty"`
	ReplyTo   *models.ReplyRef        `json:"replyTo,omitempty"`
}

// Chat is the message thread of a couple
type Chat struct {
	session  *Session
	opts     Options
	path     string
	engine   *collection.Engine[models.Message]
	sends    *optimistic.Tracker[models.Message]
	reacts   *optimistic.Tracker[string]
	typing   *presence.Typing
	onChange func([]models.Message)

	mu           sync.Mutex
	typingHandle *subscriptions.Handle
	partnerTyped bool
}

// NewChat opens the message thread of the session's couple. onChange, if set,
// receives the merged message list on every change.
func NewChat(ctx context.Context, s *Session, opts Options, onChange func([]models.Message)) (*Chat, error) {
	opts = opts.withDefaults()
	c := &Chat{
		session:  s,
		opts:     opts,
		path:     remotestore.Join(MessagesCollection, s.CoupleID()),
		typing:   presence.NewTyping(s.conn, s.CoupleID(), s.UserID(), opts.TypingTimeout),
		onChange: onChange,
	}
	c.sends = optimistic.NewTracker[models.Message](opts.Metrics, func(map[string]models.Message) { c.publish() })
	c.reacts = optimistic.NewTracker[string](opts.Metrics, func(map[string]string) { c.publish() })
	c.engine = collection.New(collection.Options[models.Message]{
		Descending: true,
		Limit:      opts.PageSize,
		PageSize:   opts.PageSize,
		OnChange: func(_ []models.Message, err error) {
			if err != nil {
				log.Warn().Err(err).Str("path", c.path).Msg("Chat sync error")
			}
			c.publish()
		},
	})
	if err := c.engine.Bind(ctx, s.manager, c.path); err != nil {
		return nil, err
	}

	h, err := presence.WatchTyping(ctx, s.manager, s.CoupleID(), s.UserID(), func(users []string) {
		c.mu.Lock()
		c.partnerTyped = len(users) > 0
		c.mu.Unlock()
	})
	if err != nil {
		c.engine.Close()
		return nil, fmt.Errorf("failed to watch typing: %w", err)
	}
	c.typingHandle = h
	return c, nil
}

func (c *Chat) publish() {
	if c.onChange != nil {
		c.onChange(c.Messages())
	}
}

// Messages returns the loaded window merged with unsent messages and
// unconfirmed reactions, oldest first
func (c *Chat) Messages() []models.Message {
	items := c.engine.Items()
	seen := make(map[string]bool, len(items))
	for _, m := range items {
		seen[m.ID] = true
	}
	for id, m := range c.sends.Overlay() {
		if seen[id] {
			continue
		}
		m.ID = id
		m.Pending = true
		items = append(items, m)
	}
	sort.SliceStable(items, func(i, j int) bool { return collection.ByTimestamp(items[i], items[j]) })

	reactions := c.reacts.Overlay()
	if len(reactions) == 0 {
		return items
	}
	uid := c.session.UserID()
	for i, m := range items {
		emoji, ok := reactions[m.ID]
		if !ok {
			continue
		}
		merged := make(map[string]string, len(m.Reactions)+1)
		for k, v := range m.Reactions {
			merged[k] = v
		}
		if emoji == "" {
			delete(merged, uid)
		} else {
			merged[uid] = emoji
		}
		items[i].Reactions = merged
	}
	return items
}

// Send sends a text message
func (c *Chat) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	return c.send(ctx, outgoingMessage{Text: text, Type: models.MessageText})
}

// Reply sends a text message quoting to
func (c *Chat) Reply(ctx context.Context, text string, to models.Message) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	ref := &models.ReplyRef{ID: to.ID, Text: to.Text, AuthorID: to.AuthorID}
	return c.send(ctx, outgoingMessage{Text: text, Type: models.MessageText, ReplyTo: ref})
}

// SendHeartbeat sends a heartbeat to the partner
func (c *Chat) SendHeartbeat(ctx context.Context) (string, error) {
	return c.send(ctx, outgoingMessage{Type: models.MessageHeartbeat})
}

// SendImage sends a message pointing at an uploaded image
func (c *Chat) SendImage(ctx context.Context, imageRef, caption string) (string, error) {
	if imageRef == "" {
		return "", ErrEmptyImage
	}
	return c.send(ctx, outgoingMessage{Text: strings.TrimSpace(caption), Type: models.MessageImage, ImageRef: imageRef})
}

// send writes msg under an id chosen here, so the pending copy and the stored
// copy share an id and the stored one replaces it as soon as it arrives
func (c *Chat) send(ctx context.Context, msg outgoingMessage) (string, error) {
	msg.AuthorID = c.session.UserID()
	now := c.opts.nowMillis()
	id := remotestore.NewID(now)

	local := models.Message{
		ID:        id,
		Text:      msg.Text,
		AuthorID:  msg.AuthorID,
		Timestamp: now,
		Type:      msg.Type,
		ImageRef:  msg.ImageRef,
		ReplyTo:   msg.ReplyTo,
	}
	err := c.sends.Perform(ctx, id, local, func(ctx context.Context) error {
		return c.session.conn.Write(ctx, remotestore.Join(c.path, id), msg)
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if err := c.typing.SetTyping(ctx, false); err != nil {
		log.Warn().Err(err).Msg("Failed to clear typing after send")
	}
	return id, nil
}

// React sets the user's reaction on a message, replacing any earlier one
func (c *Chat) React(ctx context.Context, msgID, emoji string) error {
	if emoji == "" {
		return c.Unreact(ctx, msgID)
	}
	return c.react(ctx, msgID, emoji)
}

// Unreact removes the user's reaction from a message
func (c *Chat) Unreact(ctx context.Context, msgID string) error {
	return c.react(ctx, msgID, "")
}

func (c *Chat) react(ctx context.Context, msgID, emoji string) error {
	var value any
	if emoji != "" {
		value = emoji
	}
	field := remotestore.Join("reactions", c.session.UserID())
	err := c.reacts.Perform(ctx, msgID, emoji, func(ctx context.Context) error {
		return c.session.conn.Update(ctx, remotestore.Join(c.path, msgID), map[string]any{field: value})
	})
	if err != nil {
		return fmt.Errorf("failed to react to message %s: %w", msgID, err)
	}
	return nil
}

// Delete removes a message the user wrote
func (c *Chat) Delete(ctx context.Context, msgID string) error {
	msg, ok := c.find(msgID)
	if !ok {
		snap, err := c.session.conn.Read(ctx, c.path)
		if err != nil {
			return fmt.Errorf("failed to read messages: %w", err)
		}
		if err := snap.Decode(msgID, &msg); err != nil {
			return fmt.Errorf("message %s: %w", msgID, ErrNotFound)
		}
	}
	if msg.AuthorID != c.session.UserID() {
		return fmt.Errorf("message %s: %w", msgID, ErrForbidden)
	}
	if err := c.session.conn.Remove(ctx, remotestore.Join(c.path, msgID)); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (c *Chat) find(msgID string) (models.Message, bool) {
	for _, m := range c.engine.Items() {
		if m.ID == msgID {
			return m, true
		}
	}
	return models.Message{}, false
}

// LoadMore asks for one more page of older messages
func (c *Chat) LoadMore() bool {
	return c.engine.LoadMore()
}

// HasMore reports whether older messages may exist
func (c *Chat) HasMore() bool {
	return c.engine.HasMore()
}

// Err returns the last sync error
func (c *Chat) Err() error {
	return c.engine.Err()
}

// SetTyping raises or clears the user's typing flag
func (c *Chat) SetTyping(ctx context.Context, typing bool) error {
	return c.typing.SetTyping(ctx, typing)
}

// PartnerTyping reports whether the partner's typing flag is raised
func (c *Chat) PartnerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerTyped
}

// Close stops listening and clears the typing flag
func (c *Chat) Close(ctx context.Context) error {
	c.mu.Lock()
	h := c.typingHandle
	c.typingHandle = nil
	c.mu.Unlock()
	if h != nil {
		c.session.manager.Detach(h)
	}
	c.engine.Close()
	return c.typing.Close(ctx)
}
