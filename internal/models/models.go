package models

import (
	"slices"
	"time"
)

type UserStatus string

const (
	UserStatusOnline  UserStatus = "Online"
	UserStatusOffline UserStatus = "Offline"
	UserStatusAway    UserStatus = "Away"
)

// User represents a user in the system.
type User struct {
	ID       string     `json:"userId"`
	UserName string     `json:"username"`
	Status   UserStatus `json:"status"`
	Online   bool       `json:"isOnline"`
	LastSeen time.Time  `json:"lastSeen"`
}

type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindImage    MessageKind = "image"
	MessageKindVideo    MessageKind = "video"
	MessageKindDocument MessageKind = "document"
	MessageKindAudio    MessageKind = "audio"
	MessageKindCall     MessageKind = "call"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindVideo,
		MessageKindDocument, MessageKindAudio, MessageKindCall:
		return true
	}
	return false
}

// Emojis is the fixed set of reactions a user can put on a message.
var Emojis = []string{"❤️", "😂", "👍", "👎", "😮", "😢", "😡", "🎉", "👏", "🙏"}

func ValidEmoji(e string) bool {
	return slices.Contains(Emojis, e)
}

// Media is an opaque reference to an uploaded file. The core never
// dereferences it.
type Media struct {
	URL  string `json:"mediaUrl,omitempty"`
	Type string `json:"mediaType,omitempty"`
	Name string `json:"mediaName,omitempty"`
	Size int64  `json:"mediaSize,omitempty"`
}

func (m Media) Empty() bool {
	return m == Media{}
}

type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"reaction"`
	Timestamp time.Time `json:"timestamp"`
}

// Receipt records when a user received or read a message.
type Receipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// Message represents a direct message between two users.
type Message struct {
	ID          string      `json:"messageId"`
	SenderID    string      `json:"senderId"`
	ReceiverID  string      `json:"receiverId"`
	Content     string      `json:"content"`
	Kind        MessageKind `json:"messageType"`
	Media       Media       `json:"media,omitzero"`
	CreatedAt   time.Time   `json:"timestamp"`
	IsEdited    bool        `json:"isEdited"`
	EditedAt    time.Time   `json:"editedAt,omitzero"`
	IsDeleted   bool        `json:"isDeleted"`
	DeletedFor  []string    `json:"deletedFor,omitempty"`
	Reactions   []Reaction  `json:"reactions"`
	ReadBy      []Receipt   `json:"readBy"`
	DeliveredTo []Receipt   `json:"deliveredTo"`
}

// IsParticipant reports whether userID is the sender or the receiver.
func (m *Message) IsParticipant(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// SetReaction replaces the user's reaction in place or appends a new one.
func (m *Message) SetReaction(userID, emoji string, at time.Time) {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID {
			m.Reactions[i].Emoji = emoji
			m.Reactions[i].Timestamp = at
			return
		}
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, Timestamp: at})
}

// RemoveReaction drops the user's reaction and reports whether one existed.
func (m *Message) RemoveReaction(userID string) bool {
	n := len(m.Reactions)
	m.Reactions = slices.DeleteFunc(m.Reactions, func(r Reaction) bool {
		return r.UserID == userID
	})
	return len(m.Reactions) != n
}

// ReactionOf returns the user's live reaction, if any.
func (m *Message) ReactionOf(userID string) (Reaction, bool) {
	for _, r := range m.Reactions {
		if r.UserID == userID {
			return r, true
		}
	}
	return Reaction{}, false
}

// MarkRead adds a read receipt for userID. It returns false when one
// already exists.
func (m *Message) MarkRead(userID string, at time.Time) bool {
	return upsertReceipt(&m.ReadBy, userID, at)
}

// MarkDelivered adds a delivery receipt for userID. It returns false when
// one already exists.
func (m *Message) MarkDelivered(userID string, at time.Time) bool {
	return upsertReceipt(&m.DeliveredTo, userID, at)
}

func (m *Message) ReadByUser(userID string) bool {
	return hasReceipt(m.ReadBy, userID)
}

func (m *Message) DeliveredToUser(userID string) bool {
	return hasReceipt(m.DeliveredTo, userID)
}

// Redacted returns a copy safe to hand to clients: a deleted message
// carries no content or media, and receipt and reaction lists are never
// null on the wire.
func (m Message) Redacted() Message {
	out := m.Clone()
	if out.IsDeleted {
		out.Content = ""
		out.Media = Media{}
	}
	if out.Reactions == nil {
		out.Reactions = []Reaction{}
	}
	if out.ReadBy == nil {
		out.ReadBy = []Receipt{}
	}
	if out.DeliveredTo == nil {
		out.DeliveredTo = []Receipt{}
	}
	return out
}

// Clone returns a deep copy so callers never share slices with a cache.
func (m Message) Clone() Message {
	m.DeletedFor = slices.Clone(m.DeletedFor)
	m.Reactions = slices.Clone(m.Reactions)
	m.ReadBy = slices.Clone(m.ReadBy)
	m.DeliveredTo = slices.Clone(m.DeliveredTo)
	return m
}

func upsertReceipt(set *[]Receipt, userID string, at time.Time) bool {
	if hasReceipt(*set, userID) {
		return false
	}
	*set = append(*set, Receipt{UserID: userID, At: at})
	return true
}

func hasReceipt(set []Receipt, userID string) bool {
	return slices.ContainsFunc(set, func(r Receipt) bool { return r.UserID == userID })
}

type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

type CallVerdict string

const (
	CallAccept  CallVerdict = "accept"
	CallDecline CallVerdict = "decline"
	CallEnd     CallVerdict = "end"
)

func (v CallVerdict) Valid() bool {
	return v == CallAccept || v == CallDecline || v == CallEnd
}
