package models

import "time"

// MessageType is the kind of a chat message
type MessageType string

const (
	MessageText      MessageType = "text"
	MessageHeartbeat MessageType = "heartbeat"
	MessageImage     MessageType = "image"
)

// Tool is the drawing tool a stroke was made with
type Tool string

const (
	ToolPen    Tool = "pen"
	ToolEraser Tool = "eraser"
)

// Account is the credential record kept in the relational database
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Code         string    `json:"code"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile is the public user record stored under users/{uid}
type Profile struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
	CoupleID    string `json:"coupleId,omitempty"`
	Code        string `json:"code,omitempty"`
}

// Couple is the static pairing record stored under couples/{coupleId}
type Couple struct {
	ID        string    `json:"id"`
	Member1   string    `json:"member1"`
	Member2   string    `json:"member2"`
	CreatedAt time.Time `json:"createdAt"`
}

// Partner returns the other member of the couple, or "" if uid is not a member
func (c *Couple) Partner(uid string) string {
	switch uid {
	case c.Member1:
		return c.Member2
	case c.Member2:
		return c.Member1
	}
	return ""
}

// HasMember reports whether uid belongs to the couple
func (c *Couple) HasMember(uid string) bool {
	return uid != "" && (c.Member1 == uid || c.Member2 == uid)
}

// ReplyRef is the quoted part of a message being replied to
type ReplyRef struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	AuthorID string `json:"authorId"`
}

// Message is a chat message stored under messages/{coupleId}/{msgId}
type Message struct {
	ID        string            `json:"id,omitempty"`
	Text      string            `json:"text"`
	AuthorID  string            `json:"authorId"`
	Timestamp int64             `json:"timestamp"`
	Type      MessageType       `json:"type"`
	ImageRef  string            `json:"imageRef,omitempty"`
	Reactions map[string]string `json:"reactions,omitempty"`
	ReplyTo   *ReplyRef         `json:"replyTo,omitempty"`
	Pending   bool              `json:"-"`
}

// Point is a single stroke sample
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is a canvas stroke, committed under canvasStrokes/{coupleId} or live under canvas/live/{coupleId}
type Stroke struct {
	ID          string  `json:"id,omitempty"`
	AuthorID    string  `json:"authorId"`
	Tool        Tool    `json:"tool"`
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"strokeWidth"`
	Points      []Point `json:"points"`
	Timestamp   int64   `json:"timestamp"`
	Live        bool    `json:"-"`
}

// DailyPhoto is a photo in the daily exchange stored under dailyPhotos/{coupleId}
type DailyPhoto struct {
	ID        string            `json:"id,omitempty"`
	AuthorID  string            `json:"authorId"`
	ImageRef  string            `json:"imageRef"`
	Timestamp int64             `json:"timestamp"`
	Reactions map[string]string `json:"reactions,omitempty"`
}

// JournalEntry is an append-only shared journal entry
type JournalEntry struct {
	ID        string `json:"id,omitempty"`
	AuthorID  string `json:"authorId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// PresenceRecord is the liveness record stored under presence/{uid}
type PresenceRecord struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"`
}

// TypingFlag is the ephemeral typing marker stored under typing/{channel}/{uid}
type TypingFlag struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Timestamped is implemented by records carrying a creation timestamp in milliseconds
type Timestamped interface {
	GetID() string
	GetTimestamp() int64
}

func (m Message) GetID() string { return m.ID }
func (m Message) GetTimestamp() int64 { return m.Timestamp }
func (s Stroke) GetID() string { return s.ID }
func (s Stroke) GetTimestamp() int64 { return s.Timestamp }
func (p DailyPhoto) GetID() string { return p.ID }
func (p DailyPhoto) GetTimestamp() int64 { return p.Timestamp }
func (j JournalEntry) GetID() string { return j.ID }
func (j JournalEntry) GetTimestamp() int64 { return j.Timestamp }

// SetID stores the collection key a record was read from
func (m *Message) SetID(id string) { m.ID = id }
func (s *Stroke) SetID(id string) { s.ID = id }
func (p *DailyPhoto) SetID(id string) { p.ID = id }
func (j *JournalEntry) SetID(id string) { j.ID = id }
