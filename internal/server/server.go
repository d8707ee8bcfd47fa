// Package server exposes the settings authority over HTTP: the message
// protocol, a read-only settings view, dashboard focus, remote tabs over
// WebSocket and an MCP endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/quietfeed/message"
	"github.com/hazyhaar/quietfeed/platform"
	"github.com/hazyhaar/quietfeed/tabhost"
)

// Settings is the part of the authority the server drives.
type Settings interface {
	Snapshot(ctx context.Context) (platform.Snapshot, error)
	Apply(ctx context.Context, snap platform.Snapshot) (platform.Snapshot, error)
	SetOption(ctx context.Context, platformID, optionID string, enabled bool) (platform.Snapshot, error)
	OpenDashboard(ctx context.Context) (tabhost.TabInfo, error)
}

// Config wires a Server.
type Config struct {
	Settings Settings
	Router   *message.Router
	// Tabs enables /ws/tab, where remote tabs register. Nil disables it.
	Tabs *tabhost.Host
	// OnTabURL is told about every URL a remote tab reports.
	OnTabURL func(ctx context.Context, url string)
	MaxBody int64
	Version string
	Logger  *slog.Logger
}

// Server is the daemon's HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mcp    *mcp.Server
	ws     *sockets
	mux    chi.Router
}

// New builds the routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Router == nil {
		cfg.Router = message.New(message.WithLogger(cfg.Logger))
	}

	s := &Server{cfg: cfg, logger: cfg.Logger, ws: newSockets()}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "quietfeed", Version: cfg.Version}, nil)
	RegisterMCP(s.mcp, cfg.Settings)
	s.mux = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// MCP returns the MCP server the /mcp endpoint serves.
func (s *Server) MCP() *mcp.Server { return s.mcp }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders(DefaultHeaders()))
	r.Use(MaxJSONBody(s.cfg.MaxBody))
	r.Use(RequestID(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/api/message", s.handleMessage)
	r.Get("/api/settings", s.handleSettings)
	r.Post("/api/dashboard", s.handleDashboard)
	if s.cfg.Tabs != nil {
		r.Get("/ws/tab", s.handleTabSocket)
	}

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	r.Handle("/mcp", mcpHandler)
	return r
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.cfg.Router.Dispatch(r.Context(), body)
	switch {
	case errors.Is(err, message.ErrBadEnvelope):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, message.ErrUnknownAction):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		GetLogger(r.Context()).Error("server: dispatch", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if len(resp) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Settings.Snapshot(r.Context())
	if err != nil {
		GetLogger(r.Context()).Error("server: snapshot", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, message.Settings{Settings: snap})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tab, err := s.cfg.Settings.OpenDashboard(r.Context())
	if err != nil {
		GetLogger(r.Context()).Warn("server: open dashboard", "error", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.ws.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server: stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
