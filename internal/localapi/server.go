package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"webgate/internal/agent"
	"webgate/internal/settings"
)

const (
	TypeState = "STATE"

	maxSettingsBody = 64 << 10
	writeWait       = 10 * time.Second
)

// Agent is the part of *agent.Agent served locally.
type Agent interface {
	State(ctx context.Context) (agent.PublicState, error)
	ActivateBypass(ctx context.Context) (agent.BypassResult, error)
	Retry(ctx context.Context) (agent.RetryResult, error)
	Refresh(ctx context.Context) error
	Subscribe() (<-chan agent.PublicState, func())
}

type SettingsStore interface {
	Get() settings.Settings
	Update(p settings.Patch) (settings.Settings, error)
}

// StateFrame is pushed to local WebSocket consumers.
type StateFrame struct {
	Type string `json:"type"`
	agent.PublicState
}

type Server struct {
	Agent    Agent
	Settings SettingsStore
	// AllowOrigins lists extra browser origins accepted on /ws and the
	// mutating routes besides same-host ones.
	AllowOrigins []string
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/bypass", s.sameOrigin(s.handleBypass))
	mux.HandleFunc("/retry", s.sameOrigin(s.handleRetry))
	mux.HandleFunc("/settings", s.sameOrigin(s.handleSettings))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return mux
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.Agent.State(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBypass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := s.Agent.ActivateBypass(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := s.Agent.Retry(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Settings.Get())
	case http.MethodPut:
		var p settings.Patch
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody)).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		next, err := s.Settings.Update(p)
		if errors.Is(err, settings.ErrInvalidDuration) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err != nil {
			slog.Error("settings update failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "settings update failed"})
			return
		}
		slog.Info("settings updated", "blocked_domains", len(next.BlockedDomains), "bypass_duration_s", next.BypassDuration)
		if err := s.Agent.Refresh(r.Context()); err != nil {
			slog.Debug("state refresh skipped", "err", err)
		}
		writeJSON(w, http.StatusOK, next)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWS pushes the current state, then every published state, until the
// consumer goes away or the agent stops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	updates, cancel := s.Agent.Subscribe()
	defer cancel()
	slog.Debug("local consumer connected", "consumer_id", id, "remote", r.RemoteAddr)
	defer slog.Debug("local consumer disconnected", "consumer_id", id)

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	first, err := s.Agent.State(ctx)
	if err != nil {
		return
	}
	if err := push(conn, first); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent stopped"),
					time.Now().Add(writeWait))
				return
			}
			if err := push(conn, st); err != nil {
				return
			}
		}
	}
}

// sameOrigin rejects browser requests sent from pages outside the allowed
// origins, so a foreign site cannot lift blocking or rewrite settings.
func (s *Server) sameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkOrigin(r) {
			slog.Warn("rejected cross-origin request", "path", r.URL.Path, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "origin not allowed"})
			return
		}
		next(w, r)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.AllowOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func push(conn *websocket.Conn, st agent.PublicState) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(StateFrame{Type: TypeState, PublicState: st})
}

func writeAgentError(w http.ResponseWriter, err error) {
	if errors.Is(err, agent.ErrStopped) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
