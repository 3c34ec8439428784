package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/presence"

	"golang.org/x/time/rate"
)

const outboxSize = 256

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type messageHub interface {
	Join(ctx context.Context, userID string, sink presence.Sink) (bool, error)
	Leave(ctx context.Context, userID string)
	Dispatch(ctx context.Context, origin presence.Sink, userID string, event models.ClientEvent) error
}

// Connection is one client session. Client events are handled one at a
// time in arrival order; server events are written from the same loop.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	fromClient chan models.ClientEvent
	outbox     chan models.ServerEvent
	errorCh    chan error
	done       chan struct{}
	limiter    *rate.Limiter

	// userID is set by join and only touched by the main loop until
	// Handle returns.
	userID string

	closeOnce   sync.Once
	cleanupOnce sync.Once
}

// NewConnection wraps ws. messageRate caps newMessage events per minute;
// zero disables the cap.
func NewConnection(hub messageHub, ws wsConnection, messageRate int) *Connection {
	c := &Connection{
		ws:         ws,
		hub:        hub,
		fromClient: make(chan models.ClientEvent),
		outbox:     make(chan models.ServerEvent, outboxSize),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
	}
	if messageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(messageRate)), messageRate)
	}
	return c
}

// Send queues event for the client without blocking. It returns false once
// the connection is closing or when its queue is full.
func (c *Connection) Send(event models.ServerEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- event:
		return true
	default:
		slog.Warn("ws: outbox full, dropping event", "event", event.Event)
		return false
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.errorCh)
		c.cleanup(context.WithoutCancel(ctx))
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.shutdown()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// shutdown stops accepting events and closes the socket, which unblocks
// the reader.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// cleanup runs once per connection, after both loops have stopped.
func (c *Connection) cleanup(ctx context.Context) {
	c.cleanupOnce.Do(func() {
		c.shutdown()
		if c.userID != "" {
			c.hub.Leave(ctx, c.userID)
		}
	})
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var event models.ClientEvent
		if err := c.ws.ReadJSON(&event); err != nil {
			if isMalformed(err) {
				c.Send(models.ErrorEvent("malformed event"))
				continue
			}
			return err
		}
		select {
		case c.fromClient <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isMalformed reports whether a read failed on the frame content rather
// than the transport. Truncated or empty frames surface as
// io.ErrUnexpectedEOF from the JSON decoder; a broken transport is reported
// again by the next read.
func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case event := <-c.fromClient:
			c.processClientEvent(ctx, event)
		case event := <-c.outbox:
			if err := c.ws.WriteJSON(event); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent never fails the connection: problems are reported
// to the client as error events.
func (c *Connection) processClientEvent(ctx context.Context, event models.ClientEvent) {
	var err error
	switch {
	case event.Event == models.EventJoin:
		err = c.join(ctx, event.Data)
	case c.userID == "":
		err = fmt.Errorf("%w: join first", models.ErrValidation)
	case event.Event == models.EventNewMessage && c.limiter != nil && !c.limiter.Allow():
		err = fmt.Errorf("%w: too many messages, slow down", models.ErrRateLimited)
	default:
		err = c.hub.Dispatch(ctx, c, c.userID, event)
	}
	if err == nil {
		return
	}

	metrics.EventErrors.WithLabelValues(string(event.Event), errorClass(err)).Inc()
	if errors.Is(err, models.ErrStore) {
		slog.Error("ws: event failed", "user_id", c.userID, "event", event.Event, "error", err)
	} else {
		slog.Debug("ws: event rejected", "user_id", c.userID, "event", event.Event, "error", err)
	}
	c.Send(models.ErrorEvent(models.ReplyMessage(err)))
}

func (c *Connection) join(ctx context.Context, data json.RawMessage) error {
	var p models.JoinPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: malformed payload", models.ErrValidation)
		}
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: userId is required", models.ErrValidation)
	}
	if c.userID != "" && c.userID != p.UserID {
		return fmt.Errorf("%w: connection already joined as another user", models.ErrPermission)
	}

	attached, err := c.hub.Join(ctx, p.UserID, c)
	if attached {
		c.userID = p.UserID
	}
	return err
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrPermission):
		return "permission"
	case errors.Is(err, models.ErrWindowExpired):
		return "window_expired"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, models.ErrStore):
		return "store"
	default:
		return "other"
	}
}
