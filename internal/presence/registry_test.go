package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parley/internal/clock"
	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.ServerEvent
	full   bool
}

func (s *recordingSink) Send(event models.ServerEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.events = append(s.events, event)
	return true
}

func (s *recordingSink) statuses() []models.UserStatusPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserStatusPayload
	for _, e := range s.events {
		if e.Event == models.EventUserStatus {
			out = append(out, e.Data.(models.UserStatusPayload))
		}
	}
	return out
}

type mockUserStore struct {
	mu       sync.Mutex
	online   map[string]bool
	lastSeen map[string]time.Time
	err      error
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{online: map[string]bool{}, lastSeen: map[string]time.Time{}}
}

func (m *mockUserStore) SetOnline(ctx context.Context, id string, at time.Time) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.User{}, m.err
	}
	m.online[id] = true
	m.lastSeen[id] = at
	return models.User{ID: id, Online: true, LastSeen: at}, nil
}

func (m *mockUserStore) SetOffline(ctx context.Context, id string, lastSeen time.Time) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.User{}, m.err
	}
	m.online[id] = false
	m.lastSeen[id] = lastSeen
	return models.User{ID: id, LastSeen: lastSeen}, nil
}

func TestRegistry_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	users := newMockUserStore()
	reg := New(users, clock.Fake(time.Unix(1700000000, 0)), time.Second)

	c1, c2 := &recordingSink{}, &recordingSink{}
	require.NoError(t, reg.Attach(ctx, "alice", c1))
	require.NoError(t, reg.Attach(ctx, "alice", c2))

	got, ok := reg.Resolve("alice")
	require.True(t, ok)
	assert.Same(t, c2, got)
	assert.True(t, users.online["alice"])

	require.NoError(t, reg.Detach(ctx, "alice"))
	_, ok = reg.Resolve("alice")
	assert.False(t, ok)
	assert.False(t, users.online["alice"])
	assert.Empty(t, reg.Online())
}

func TestRegistry_BroadcastsStatus(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1700000000, 0)
	clk := clock.Fake(start)
	users := newMockUserStore()
	reg := New(users, clk, time.Second)

	watcher := &recordingSink{}
	require.NoError(t, reg.Attach(ctx, "bob", watcher))
	require.NoError(t, reg.Attach(ctx, "alice", &recordingSink{}))

	clk.Advance(time.Minute)
	require.NoError(t, reg.Detach(ctx, "alice"))

	statuses := watcher.statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, models.UserStatusPayload{UserID: "bob", Status: models.UserStatusOnline, LastSeen: start}, statuses[0])
	assert.Equal(t, models.UserStatusPayload{UserID: "alice", Status: models.UserStatusOnline, LastSeen: start}, statuses[1])
	assert.Equal(t, models.UserStatusPayload{UserID: "alice", Status: models.UserStatusOffline, LastSeen: start.Add(time.Minute)}, statuses[2])
	assert.True(t, users.lastSeen["alice"].Equal(start.Add(time.Minute)))
}

func TestRegistry_StoreFailureKeepsMapping(t *testing.T) {
	ctx := context.Background()
	users := newMockUserStore()
	users.err = errors.New("disk on fire")
	reg := New(users, clock.Fake(time.Unix(1700000000, 0)), time.Second)

	sink := &recordingSink{}
	err := reg.Attach(ctx, "alice", sink)
	require.ErrorIs(t, err, models.ErrStore)
	assert.True(t, reg.IsOnline("alice"))
	assert.Len(t, sink.statuses(), 1)

	err = reg.Detach(ctx, "alice")
	require.ErrorIs(t, err, models.ErrStore)
	assert.False(t, reg.IsOnline("alice"))
}

func TestRegistry_SendTo(t *testing.T) {
	ctx := context.Background()
	reg := New(newMockUserStore(), clock.Fake(time.Unix(1700000000, 0)), time.Second)

	assert.False(t, reg.SendTo("ghost", models.ErrorEvent("x")))

	full := &recordingSink{full: true}
	require.NoError(t, reg.Attach(ctx, "alice", full))
	assert.False(t, reg.SendTo("alice", models.ErrorEvent("x")))

	ok := &recordingSink{}
	require.NoError(t, reg.Attach(ctx, "bob", ok))
	assert.True(t, reg.SendTo("bob", models.ErrorEvent("x")))
	assert.Equal(t, []string{"alice", "bob"}, reg.Online())
	assert.Equal(t, 1, reg.BroadcastAll(models.ErrorEvent("y")))
}

func TestRegistry_ConcurrentAttachDetach(t *testing.T) {
	ctx := context.Background()
	reg := New(newMockUserStore(), clock.Real(), time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = reg.Attach(ctx, "alice", &recordingSink{})
		}()
		go func() {
			defer wg.Done()
			_ = reg.Detach(ctx, "alice")
			_, _ = reg.Resolve("alice")
		}()
	}
	wg.Wait()

	require.NoError(t, reg.Detach(ctx, "alice"))
	assert.False(t, reg.IsOnline("alice"))
}
