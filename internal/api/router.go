// Package api serves the session tools and the command journal over plain
// HTTP for clients that do not hold a WebSocket open.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memextech/headless-terminal-mcp/internal/db"
	"github.com/memextech/headless-terminal-mcp/internal/session"
)

type sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (session.Info, error)
	Get(id string) (session.Info, error)
	List() []session.Info
	SendKeys(ctx context.Context, id string, keys []string) error
	TakeSnapshot(ctx context.Context, id string, timeout time.Duration) (session.Snapshot, error)
	WaitForOutput(ctx context.Context, id string, timeout time.Duration) ([]string, error)
	ExecuteCommand(ctx context.Context, id, line string, settle, timeout time.Duration) (session.Snapshot, error)
	Close(ctx context.Context, id string) error
}

type handler struct {
	sessions sessions
	journal  *db.DB
	logger   *slog.Logger
}

// NewRouter mounts the API under /api/. journal may be nil, in which case
// the history endpoints answer 404.
func NewRouter(mgr sessions, journal *db.DB, token string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	handler := &handler{sessions: mgr, journal: journal, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", handler.createSession)
	mux.HandleFunc("GET /api/sessions", handler.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", handler.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", handler.closeSession)
	mux.HandleFunc("POST /api/sessions/{id}/keys", handler.sendKeys)
	mux.HandleFunc("GET /api/sessions/{id}/snapshot", handler.takeSnapshot)
	mux.HandleFunc("GET /api/sessions/{id}/output", handler.waitForOutput)
	mux.HandleFunc("POST /api/sessions/{id}/execute", handler.executeCommand)

	mux.HandleFunc("GET /api/history", handler.listHistory)
	mux.HandleFunc("GET /api/history/{id}/commands", handler.listHistoryCommands)

	wrapped := authMiddleware(token)(jsonMiddleware(corsMiddleware(mux)))
	return wrapped
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if tokenMatches(strings.TrimSpace(authHeader[7:]), token) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if tokenMatches(r.URL.Query().Get("token"), token) {
				next.ServeHTTP(w, r)
				return
			}

			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func tokenMatches(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
