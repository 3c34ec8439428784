package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"parley/internal/api"
	"parley/internal/metrics"
	"parley/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIHandler builds the public routes: the websocket endpoint, REST,
// health and metrics.
func NewAPIHandler(server *ws.Server, handlers *api.API) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/messages/{userId}/{receiverId}", handlers.HistoryHandler)
	mux.HandleFunc("PUT /api/messages/read/{messageId}", handlers.MarkReadHandler)
	mux.HandleFunc("DELETE /api/messages/reaction/{messageId}", handlers.RemoveReactionHandler)
	mux.HandleFunc("GET /api/users", handlers.UsersHandler)
	mux.HandleFunc("POST /api/users/{userId}/push", handlers.PushSubscriptionHandler)
	mux.HandleFunc("GET /health", handlers.HealthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("/ws", server.HandleConnections)

	return mux
}

func NewAPIServer(server *ws.Server, handlers *api.API, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewAPIHandler(server, handlers),
		},
	}
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
