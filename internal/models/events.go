package models

import (
	"encoding/json"
	"time"
)

type EventType string

// Client -> server events.
const (
	EventJoin           EventType = "join"
	EventTyping         EventType = "typing"
	EventNewMessage     EventType = "newMessage"
	EventEditMessage    EventType = "editMessage"
	EventDeleteMessage  EventType = "deleteMessage"
	EventAddReaction    EventType = "addReaction"
	EventRemoveReaction EventType = "removeReaction"
	EventMarkRead       EventType = "markRead"
	EventCallInitiate   EventType = "callInitiate"
	EventCallResponse   EventType = "callResponse"
	EventWebRTCSignal   EventType = "webrtc-signal"
)

// Server -> client events. Typing, callResponse and webrtc-signal share
// their names with the inbound events they mirror.
const (
	EventMessageSent     EventType = "messageSent"
	EventMessageEdited   EventType = "messageEdited"
	EventMessageDeleted  EventType = "messageDeleted"
	EventReactionAdded   EventType = "reactionAdded"
	EventReactionRemoved EventType = "reactionRemoved"
	EventMessageRead     EventType = "messageRead"
	EventUserStatus      EventType = "userStatus"
	EventIncomingCall    EventType = "incomingCall"
	EventCallFailed      EventType = "callFailed"
	EventError           EventType = "error"
)

// ClientEvent is the envelope read from a connection.
type ClientEvent struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEvent is the envelope written to a connection.
type ServerEvent struct {
	Event EventType `json:"event"`
	Data  any       `json:"data"`
}

func NewEvent(t EventType, data any) ServerEvent {
	return ServerEvent{Event: t, Data: data}
}

func ErrorEvent(message string) ServerEvent {
	return ServerEvent{Event: EventError, Data: ErrorPayload{Message: message}}
}

// Inbound payloads.

type JoinPayload struct {
	UserID string `json:"userId"`
}

type TypingPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

type NewMessagePayload struct {
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"messageType,omitempty"`
	MediaURL   string      `json:"mediaUrl,omitempty"`
	MediaType  string      `json:"mediaType,omitempty"`
	MediaName  string      `json:"mediaName,omitempty"`
	MediaSize  int64       `json:"mediaSize,omitempty"`
}

type EditMessagePayload struct {
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
	UserID     string `json:"userId"`
}

// MessageRefPayload addresses a message on behalf of a user. It is used
// by deleteMessage, removeReaction and markRead.
type MessageRefPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Reaction  string `json:"reaction"`
}

type CallInitiatePayload struct {
	SenderID   string   `json:"senderId"`
	ReceiverID string   `json:"receiverId"`
	CallType   CallKind `json:"callType"`
}

// CallResponsePayload follows the client convention: SenderID is the
// caller the response is addressed to, ReceiverID is the responder.
type CallResponsePayload struct {
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Response   CallVerdict `json:"response"`
}

type SignalPayload struct {
	SenderID   string          `json:"senderId"`
	ReceiverID string          `json:"receiverId"`
	Signal     json.RawMessage `json:"signal"`
}

// Outbound payloads.

type ErrorPayload struct {
	Message string `json:"message"`
}

type MessageSentPayload struct {
	Success bool    `json:"success"`
	Message Message `json:"message"`
}

type NewMessageEventPayload struct {
	Message Message `json:"message"`
}

type MessageEditedPayload struct {
	MessageID  string    `json:"messageId"`
	NewContent string    `json:"newContent"`
	EditedAt   time.Time `json:"editedAt"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

type ReactionRemovedPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type MessageReadPayload struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

type TypingEventPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type UserStatusPayload struct {
	UserID   string     `json:"userId"`
	Status   UserStatus `json:"status"`
	LastSeen time.Time  `json:"lastSeen"`
}

type CallFailedPayload struct {
	Message string `json:"message"`
}
