package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/agents"
	"github.com/strandlabs/strand/pkg/dispatch"
)

// Server is the HTTP/WebSocket surface over the dispatcher: submit, inspect,
// cancel, and stream run events.
type Server struct {
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates a gateway bound per the configuration
func NewServer(dispatcher *dispatch.Dispatcher, cfg config.GatewayConfig, logger zerolog.Logger) *Server {
	s := &Server{
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleSubmit)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleEvents)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Gateway listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req dispatch.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.dispatcher.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, agents.ErrNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, agents.ErrInvalid):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.dispatcher.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, dispatch.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.dispatcher.RequestCancellation(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrRunNotFound):
			s.writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, dispatch.ErrRunTerminal):
			s.writeError(w, http.StatusConflict, "run already terminal")
		default:
			s.writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

// handleEvents upgrades to a websocket and streams the run's events, replayed
// from ?from_seq= (default 0, meaning everything) and then live. The socket
// closes after the terminal status-change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var fromSeq int64
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "from_seq must be a non-negative integer")
			return
		}
		fromSeq = parsed
	}

	events, cancel, err := s.dispatcher.Subscribe(r.Context(), runID, fromSeq)
	if err != nil {
		if errors.Is(err, dispatch.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain reads so close frames and pings are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug().Err(err).Str("run_id", runID).Msg("Event stream write failed")
			return
		}
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
