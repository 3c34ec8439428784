package ws

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"parley/internal/clock"
	"parley/internal/lifecycle"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/signaling"
	"parley/internal/storage"
	"parley/internal/typing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.ServerEvent
}

func (s *recordingSink) Send(event models.ServerEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true
}

func (s *recordingSink) of(t models.EventType) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, e := range s.events {
		if e.Event == t {
			out = append(out, e.Data)
		}
	}
	return out
}

type hubEnv struct {
	hub    *Hub
	store  *storage.BboltStorage
	clock  *clock.FakeClock
	online *presence.Registry
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := storage.NewBboltStorage(ctx, filepath.Join(t.TempDir(), "hub.db"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, store.CreateUser(ctx, models.User{ID: id, UserName: id, Status: models.UserStatusOffline}))
	}

	clk := clock.Fake(time.Unix(1700000000, 0))
	registry := presence.New(store, clk, time.Second)
	tracker := typing.New(registry, clk, 3*time.Second)
	engine := lifecycle.New(store, store, registry, tracker, clk, lifecycle.Config{StoreTimeout: time.Second})
	relay := signaling.New(registry)

	return &hubEnv{
		hub:    NewHub(store, registry, tracker, engine, relay, time.Second),
		store:  store,
		clock:  clk,
		online: registry,
	}
}

func (env *hubEnv) join(t *testing.T, userID string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	attached, err := env.hub.Join(context.Background(), userID, sink)
	require.NoError(t, err)
	require.True(t, attached)
	return sink
}

func (env *hubEnv) dispatch(origin presence.Sink, userID string, event models.EventType, data any) error {
	raw, _ := json.Marshal(data)
	return env.hub.Dispatch(context.Background(), origin, userID, models.ClientEvent{Event: event, Data: raw})
}

func TestHub_JoinUnknownUser(t *testing.T) {
	env := newHubEnv(t)

	attached, err := env.hub.Join(context.Background(), "ghost", &recordingSink{})
	require.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, attached)
	assert.False(t, env.online.IsOnline("ghost"))
}

func TestHub_JoinAndLeave(t *testing.T) {
	env := newHubEnv(t)
	ctx := context.Background()
	alice := env.join(t, "alice")
	bob := env.join(t, "bob")

	user, err := env.store.FindUser(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, user.Online)

	require.NoError(t, env.dispatch(bob, "bob", models.EventTyping, models.TypingPayload{SenderID: "bob", ReceiverID: "alice"}))
	env.clock.Advance(time.Second)
	env.hub.Leave(ctx, "bob")

	typingEvents := alice.of(models.EventTyping)
	require.Len(t, typingEvents, 2)
	assert.False(t, typingEvents[1].(models.TypingEventPayload).IsTyping)

	statuses := alice.of(models.EventUserStatus)
	last := statuses[len(statuses)-1].(models.UserStatusPayload)
	assert.Equal(t, "bob", last.UserID)
	assert.Equal(t, models.UserStatusOffline, last.Status)

	user, err = env.store.FindUser(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, user.Online)
	assert.True(t, user.LastSeen.Equal(time.Unix(1700000001, 0)))
}

func TestHub_Dispatch(t *testing.T) {
	env := newHubEnv(t)
	alice := env.join(t, "alice")
	bob := env.join(t, "bob")

	require.NoError(t, env.dispatch(alice, "alice", models.EventNewMessage, models.NewMessagePayload{
		SenderID: "alice", ReceiverID: "bob", Content: "hi",
	}))
	incoming := bob.of(models.EventNewMessage)
	require.Len(t, incoming, 1)
	msg := incoming[0].(models.NewMessageEventPayload).Message

	require.NoError(t, env.dispatch(bob, "bob", models.EventAddReaction, models.ReactionPayload{
		MessageID: msg.ID, UserID: "bob", Reaction: "❤️",
	}))
	require.NoError(t, env.dispatch(bob, "bob", models.EventMarkRead, models.MessageRefPayload{
		MessageID: msg.ID, UserID: "bob",
	}))
	require.NoError(t, env.dispatch(alice, "alice", models.EventEditMessage, models.EditMessagePayload{
		MessageID: msg.ID, UserID: "alice", NewContent: "hello",
	}))
	require.NoError(t, env.dispatch(bob, "bob", models.EventRemoveReaction, models.MessageRefPayload{
		MessageID: msg.ID, UserID: "bob",
	}))
	require.NoError(t, env.dispatch(alice, "alice", models.EventDeleteMessage, models.MessageRefPayload{
		MessageID: msg.ID, UserID: "alice",
	}))

	assert.Len(t, alice.of(models.EventMessageSent), 1)
	assert.Len(t, alice.of(models.EventReactionAdded), 1)
	assert.Len(t, alice.of(models.EventMessageRead), 1)
	assert.Len(t, bob.of(models.EventMessageEdited), 1)
	assert.Len(t, alice.of(models.EventReactionRemoved), 1)
	assert.Len(t, bob.of(models.EventMessageDeleted), 1)
}

func TestHub_DispatchRejects(t *testing.T) {
	env := newHubEnv(t)
	alice := env.join(t, "alice")
	bob := env.join(t, "bob")

	err := env.dispatch(alice, "alice", models.EventNewMessage, models.NewMessagePayload{
		SenderID: "bob", ReceiverID: "alice", Content: "spoofed",
	})
	require.ErrorIs(t, err, models.ErrPermission)
	assert.Empty(t, bob.of(models.EventMessageSent))

	err = env.dispatch(alice, "alice", models.EventTyping, models.TypingPayload{ReceiverID: "bob"})
	require.ErrorIs(t, err, models.ErrValidation)

	err = env.dispatch(alice, "alice", "teleport", map[string]string{})
	require.ErrorIs(t, err, models.ErrValidation)

	err = env.hub.Dispatch(context.Background(), alice, "alice", models.ClientEvent{
		Event: models.EventEditMessage, Data: json.RawMessage(`{"messageId": 5}`),
	})
	require.ErrorIs(t, err, models.ErrValidation)

	err = env.dispatch(alice, "alice", models.EventCallInitiate, models.CallInitiatePayload{
		SenderID: "alice", ReceiverID: "bob", CallType: "hologram",
	})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestHub_CallFlow(t *testing.T) {
	env := newHubEnv(t)
	alice := env.join(t, "alice")
	bob := env.join(t, "bob")

	require.NoError(t, env.dispatch(alice, "alice", models.EventCallInitiate, models.CallInitiatePayload{
		SenderID: "alice", ReceiverID: "bob", CallType: models.CallKindAudio,
	}))
	require.Len(t, bob.of(models.EventIncomingCall), 1)

	// The responder names the caller in senderId and itself in receiverId.
	require.NoError(t, env.dispatch(bob, "bob", models.EventCallResponse, models.CallResponsePayload{
		SenderID: "alice", ReceiverID: "bob", Response: models.CallAccept,
	}))
	responses := alice.of(models.EventCallResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, models.CallAccept, responses[0].(models.CallResponsePayload).Response)

	require.NoError(t, env.dispatch(alice, "alice", models.EventWebRTCSignal, models.SignalPayload{
		SenderID: "alice", ReceiverID: "bob", Signal: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}))
	require.Len(t, bob.of(models.EventWebRTCSignal), 1)

	env.hub.Leave(context.Background(), "bob")
	require.NoError(t, env.dispatch(alice, "alice", models.EventCallInitiate, models.CallInitiatePayload{
		SenderID: "alice", ReceiverID: "bob", CallType: models.CallKindVideo,
	}))
	failed := alice.of(models.EventCallFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "User is offline", failed[0].(models.CallFailedPayload).Message)
	assert.Len(t, bob.of(models.EventIncomingCall), 1)
}
