// Package api exposes an HTTP control surface over the host registry and
// scan engine, modeled on the teacher's API server: a ServeMux with every
// route mounted twice (bare and "/api"-prefixed), a bearer-or-query-token
// auth middleware, and JSON responses.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ipsix/plugboard/internal/config"
	"github.com/ipsix/plugboard/internal/hostregistry"
	"github.com/ipsix/plugboard/internal/logging"
	"github.com/ipsix/plugboard/internal/rescan"
	"github.com/ipsix/plugboard/internal/scanengine"
	"github.com/ipsix/plugboard/internal/storage"
)

type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	server   *http.Server
	registry *hostregistry.Registry
	rescan   *rescan.Daemon
	runStore storage.Store
	handler  http.Handler
}

func New(cfg config.APIConfig, logger *logging.Logger, registry *hostregistry.Registry, rescanDaemon *rescan.Daemon, runStore storage.Store) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		rescan:   rescanDaemon,
		runStore: runStore,
	}
}

func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.handler = s.buildHandler()
	s.server = &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("api server starting", logging.Field{Key: "addr", Value: s.cfg.BindAddr})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	register := func(path string, handler http.HandlerFunc) {
		mux.HandleFunc(path, s.withAuth(handler))
		mux.HandleFunc("/api"+path, s.withAuth(handler))
	}
	register("/health", s.handleHealth)
	register("/status", s.handleStatus)
	register("/plugins", s.handlePlugins)
	register("/scan", s.handleScan)
	register("/scan/last", s.handleLastScan)
	return mux
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("api server stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if s.cfg.AuthToken != "" && token != s.cfg.AuthToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	last, ok := scanengine.LastRun(s.runStore)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"installed_plugins": len(s.registry.GetPluginsInfo()),
		"last_scan":         last,
		"has_last_scan":     ok,
	})
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	infos := s.registry.GetPluginsInfo()
	out := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		state, _ := s.registry.GetPluginState(info.Identifier)
		out = append(out, map[string]interface{}{
			"identifier": info.Identifier,
			"version":    info.Version.String(),
			"path":       info.Path,
			"state":      state,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type scanRequest struct {
	Upgrade          bool `json:"upgrade"`
	StopAllOnInstall bool `json:"stop_all_on_install"`
	StopAllOnUpgrade bool `json:"stop_all_on_upgrade"`
	RestartActive    bool `json:"restart_active"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.rescan == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rescan not configured"})
		return
	}
	var req scanRequest
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	var flags scanengine.Flags
	if req.Upgrade {
		flags |= scanengine.Upgrade
	}
	if req.StopAllOnInstall {
		flags |= scanengine.StopAllOnInstall
	}
	if req.StopAllOnUpgrade {
		flags |= scanengine.StopAllOnUpgrade
	}
	if req.RestartActive {
		flags |= scanengine.RestartActive
	}
	run, err := s.rescan.TriggerWithFlags(r.Context(), flags)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"run": run, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleLastScan(w http.ResponseWriter, _ *http.Request) {
	last, ok := scanengine.LastRun(s.runStore)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no scan has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
