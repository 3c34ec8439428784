// Package typing debounces typing indicators between two users.
package typing

import (
	"strconv"
	"sync"
	"time"

	"parley/internal/clock"
	"parley/internal/metrics"
	"parley/internal/models"
)

const DefaultWindow = 3 * time.Second

// Peers delivers an event to a user if that user is reachable.
type Peers interface {
	SendTo(userID string, event models.ServerEvent) bool
}

type session struct {
	receiver string
	timer    clock.Timer
	gen      uint64
}

// Tracker keeps at most one typing session per sender. A session ends
// after a quiet window, on Cancel or when the sender starts typing to
// someone else; each ending emits exactly one typing=false.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*session
	gen      uint64

	peers  Peers
	clock  clock.Clock
	window time.Duration
}

func New(peers Peers, clk clock.Clock, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		sessions: make(map[string]*session),
		peers:    peers,
		clock:    clk,
		window:   window,
	}
}

// Notify starts or refreshes the session from sender to receiver.
func (t *Tracker) Notify(sender, receiver string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[sender]; ok {
		s.timer.Stop()
		if s.receiver == receiver {
			t.arm(sender, s)
			return
		}
		delete(t.sessions, sender)
		t.emit(sender, s.receiver, false)
	}

	s := &session{receiver: receiver}
	t.sessions[sender] = s
	t.emit(sender, receiver, true)
	t.arm(sender, s)
}

// Cancel ends the sender's session. An empty receiver matches any
// session; otherwise only a session targeting receiver is ended.
func (t *Tracker) Cancel(sender, receiver string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sender]
	if !ok || (receiver != "" && s.receiver != receiver) {
		return
	}
	s.timer.Stop()
	delete(t.sessions, sender)
	t.emit(sender, s.receiver, false)
}

// Active reports the receiver sender is currently typing to.
func (t *Tracker) Active(sender string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sender]
	if !ok {
		return "", false
	}
	return s.receiver, true
}

// arm must be called with t.mu held.
func (t *Tracker) arm(sender string, s *session) {
	t.gen++
	gen := t.gen
	s.gen = gen
	s.timer = t.clock.AfterFunc(t.window, func() {
		t.expire(sender, gen)
	})
}

func (t *Tracker) expire(sender string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A refresh or cancel that raced with the timer bumped or removed the
	// session; this firing is stale.
	s, ok := t.sessions[sender]
	if !ok || s.gen != gen {
		return
	}
	delete(t.sessions, sender)
	t.emit(sender, s.receiver, false)
}

func (t *Tracker) emit(sender, receiver string, typing bool) {
	metrics.TypingSignals.WithLabelValues(strconv.FormatBool(typing)).Inc()
	t.peers.SendTo(receiver, models.NewEvent(models.EventTyping, models.TypingEventPayload{
		SenderID:   sender,
		ReceiverID: receiver,
		IsTyping:   typing,
	}))
}
