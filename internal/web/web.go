package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"sync"
	"time"

	"photoframe/internal/config"
	"photoframe/internal/cycle"
	"photoframe/internal/framebuffer"
	appLog "photoframe/internal/log"
	"photoframe/internal/power"
)

const (
	batteryCacheTTL = 30 * time.Second
	maxConfigBody   = 64 << 10
	refreshTimeout  = 3 * time.Minute
)

// Runner is the part of *cycle.Runner the HTTP API drives.
type Runner interface {
	RunOnce(ctx context.Context, force bool) cycle.Status
	Status() cycle.Status
	Config() *config.Config
	SetConfig(cfg *config.Config)
	Preview() *framebuffer.Buffer
}

// Server provides the local HTTP API: health, status, config, manual
// refresh, battery and a PNG preview of the last frame.
type Server struct {
	runner     Runner
	battery    power.Reader
	configPath string
	mux        *http.ServeMux
	now        func() time.Time

	// In-memory cache for battery status. This avoids hitting I2C on every
	// single HTTP call.
	batteryMu    sync.RWMutex
	batteryCache *batteryCache
}

// NewServer constructs a new Server. configPath is where PUT /api/config
// persists changes; battery may be nil.
func NewServer(runner Runner, battery power.Reader, configPath string) *Server {
	if battery == nil {
		battery = power.Static{}
	}
	s := &Server{
		runner:     runner,
		battery:    battery,
		configPath: configPath,
		mux:        http.NewServeMux(),
		now:        time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server. Basic auth
// is checked per request against the live config, so a PUT /api/config
// that changes credentials applies to the next request.
func (s *Server) Handler() http.Handler {
	if auth := s.basicAuth(); auth != nil {
		appLog.Info("HTTP basic auth enabled", "user", auth.Username)
	}
	return s.basicAuthMiddleware(s.mux)
}

// basicAuth returns the configured credentials, or nil when auth is off.
func (s *Server) basicAuth() *config.BasicAuthConfig {
	cfg := s.runner.Config()
	if cfg == nil || cfg.BasicAuth == nil {
		return nil
	}
	// 빈 사용자명 또는 비밀번호는 비활성화로 취급한다.
	if cfg.BasicAuth.Username == "" || cfg.BasicAuth.Password == "" {
		return nil
	}
	return cfg.BasicAuth
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := s.basicAuth()
		if auth == nil || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, auth.Username) || !secureCompare(p, auth.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="PhotoFrame", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/battery", s.handleBattery)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Status())
}

// handleGetConfig returns the active config. Secrets are blanked.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := *s.runner.Config()
	if cfg.PhotoToken != "" {
		cfg.PhotoToken = "********"
	}
	if cfg.BasicAuth != nil {
		cfg.BasicAuth = &config.BasicAuthConfig{Username: cfg.BasicAuth.Username, Password: "********"}
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutConfig merges the JSON body over the active config, normalizes
// and saves it, then hands it to the runner for the next cycle. Blanked
// secrets sent back unchanged keep their stored values.
//
// Basic auth changes apply to the next request. Hardware, listen and
// refresh schedule changes only take effect after a restart.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	cur := s.runner.Config()
	next := *cur
	if cur.BasicAuth != nil {
		auth := *cur.BasicAuth
		next.BasicAuth = &auth
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config: "+err.Error())
		return
	}
	if next.PhotoToken == "********" {
		next.PhotoToken = cur.PhotoToken
	}
	if next.BasicAuth != nil && next.BasicAuth.Password == "********" && cur.BasicAuth != nil {
		next.BasicAuth.Password = cur.BasicAuth.Password
	}

	next.Normalize()
	if err := config.Save(s.configPath, &next); err != nil {
		appLog.Error("config save failed", err, "path", s.configPath)
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	appLog.SetLevel(appLog.ParseLevel(next.LogLevel))
	s.runner.SetConfig(&next)
	appLog.Info("config updated via API", "source", next.Source, "refresh", next.RefreshCron)

	s.handleGetConfig(w, r)
}

// handleRefresh runs one forced cycle and returns its status. The cycle is
// detached from the request so a client disconnect does not abort a panel
// refresh halfway.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), refreshTimeout)
	defer cancel()

	st := s.runner.RunOnce(ctx, true)
	code := http.StatusOK
	if !st.OK {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, st)
}

// handleBattery exposes the current battery status.
//
// Battery status does not need sub-second precision, so a short TTL cache
// sits in front of the reader.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && now.Sub(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, bc.status)
		return
	}

	status, err := s.battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}

	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{status: status, updatedAt: now}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, status)
}

// handlePreview encodes the last displayed frame as PNG.
func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	frame := s.runner.Preview()
	if frame == nil {
		writeError(w, http.StatusNotFound, "no frame rendered yet")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, frame); err != nil {
		appLog.Error("preview encode failed", err)
	}
}

// batteryCache holds the last known battery status and its timestamp.
type batteryCache struct {
	status    power.Status
	updatedAt time.Time
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
