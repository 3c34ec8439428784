// Package presence tracks which users have a live connection right now.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"parley/internal/clock"
	"parley/internal/metrics"
	"parley/internal/models"
)

// Sink is the outbound side of a connection. Send must not block; it
// returns false when the event could not be queued.
type Sink interface {
	Send(event models.ServerEvent) bool
}

// UserStore persists the online flag and last seen time.
type UserStore interface {
	SetOnline(ctx context.Context, id string, at time.Time) (models.User, error)
	SetOffline(ctx context.Context, id string, lastSeen time.Time) (models.User, error)
}

// Registry maps a user id to the connection that currently represents it.
// A later Attach for the same user replaces the earlier connection.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink

	users   UserStore
	clock   clock.Clock
	timeout time.Duration
}

func New(users UserStore, clk clock.Clock, storeTimeout time.Duration) *Registry {
	return &Registry{
		sinks:   make(map[string]Sink),
		users:   users,
		clock:   clk,
		timeout: storeTimeout,
	}
}

// Attach makes sink the reachable endpoint for userID, persists the online
// flag and broadcasts the new status to every connection. The mapping
// stands even if persistence fails; the error is returned to the caller.
func (r *Registry) Attach(ctx context.Context, userID string, sink Sink) error {
	r.mu.Lock()
	r.sinks[userID] = sink
	metrics.OnlineUsers.Set(float64(len(r.sinks)))
	r.mu.Unlock()

	now := r.clock.Now()
	err := r.persist(ctx, "set_online", func(ctx context.Context) error {
		_, err := r.users.SetOnline(ctx, userID, now)
		return err
	})
	if err != nil {
		slog.Error("presence: failed to persist online status", "user_id", userID, "error", err)
	}

	r.BroadcastAll(models.NewEvent(models.EventUserStatus, models.UserStatusPayload{
		UserID:   userID,
		Status:   models.UserStatusOnline,
		LastSeen: now,
	}))
	return err
}

// Detach removes the mapping for userID whichever connection holds it,
// persists the last seen time and broadcasts the offline status.
func (r *Registry) Detach(ctx context.Context, userID string) error {
	r.mu.Lock()
	delete(r.sinks, userID)
	metrics.OnlineUsers.Set(float64(len(r.sinks)))
	r.mu.Unlock()

	lastSeen := r.clock.Now()
	err := r.persist(ctx, "set_offline", func(ctx context.Context) error {
		_, err := r.users.SetOffline(ctx, userID, lastSeen)
		return err
	})
	if err != nil {
		slog.Error("presence: failed to persist offline status", "user_id", userID, "error", err)
	}

	r.BroadcastAll(models.NewEvent(models.EventUserStatus, models.UserStatusPayload{
		UserID:   userID,
		Status:   models.UserStatusOffline,
		LastSeen: lastSeen,
	}))
	return err
}

func (r *Registry) Resolve(userID string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[userID]
	return s, ok
}

// SendTo delivers event to userID if reachable and reports whether it was
// queued.
func (r *Registry) SendTo(userID string, event models.ServerEvent) bool {
	sink, ok := r.Resolve(userID)
	if !ok {
		return false
	}
	if !sink.Send(event) {
		metrics.DroppedEvents.Inc()
		return false
	}
	return true
}

// BroadcastAll sends event to every attached connection and returns how
// many accepted it.
func (r *Registry) BroadcastAll(event models.ServerEvent) int {
	r.mu.RLock()
	targets := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(event) {
			delivered++
		} else {
			metrics.DroppedEvents.Inc()
		}
	}
	return delivered
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Resolve(userID)
	return ok
}

// Online returns the ids of all reachable users, sorted.
func (r *Registry) Online() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sinks))
	for id := range r.sinks {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", models.ErrStore, op, err)
	}
	return nil
}
