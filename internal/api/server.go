package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zezudoo/wa-download-guard/internal/audit"
	"github.com/zezudoo/wa-download-guard/internal/enforce"
	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/messaging"
	"github.com/zezudoo/wa-download-guard/internal/store"
)

const maxBodySize = 64 << 10

// DownloadHooks receives download-manager events
type DownloadHooks interface {
	OnDeterminingFilename(ctx context.Context, item enforce.DownloadItem) enforce.Result
	OnCreated(ctx context.Context, item enforce.DownloadItem) enforce.Result
}

// MessageHandler answers inter-context messages
type MessageHandler interface {
	Handle(ctx context.Context, msg messaging.Message) (interface{}, error)
}

// BlockedLister returns recent audit events
type BlockedLister interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

// AsyncRefresher starts a background policy refresh
type AsyncRefresher interface {
	RefreshAsync()
}

// Config represents API server configuration
type Config struct {
	Hub       *Hub
	Downloads DownloadHooks
	Messages  MessageHandler
	Settings  *store.Settings
	Blocked   BlockedLister
	Refresher AsyncRefresher
	Logger    *logger.Logger

	// ExtensionID pins the accepted chrome-extension:// origin; empty accepts any
	ExtensionID string
}

// Server is the local HTTP API the browser shim talks to
type Server struct {
	hub       *Hub
	downloads DownloadHooks
	messages  MessageHandler
	settings  *store.Settings
	blocked   BlockedLister
	refresher AsyncRefresher
	logger    *logger.Logger
	origins   originChecker
	upgrader  websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(config Config) *Server {
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Hub == nil {
		config.Hub = NewHub()
	}
	origins := originChecker{extensionID: config.ExtensionID}
	return &Server{
		hub:       config.Hub,
		downloads: config.Downloads,
		messages:  config.Messages,
		settings:  config.Settings,
		blocked:   config.Blocked,
		refresher: config.Refresher,
		logger:    config.Logger,
		origins:   origins,
		upgrader: websocket.Upgrader{
			CheckOrigin: origins.allow,
		},
	}
}

// Hub returns the server's WebSocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the HTTP handler
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(limitBody)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.checkOrigin)
		r.Use(requireJSON)

		r.Post("/messages", s.handleMessage)
		r.Post("/downloads/determining-filename", s.handleDownloadEvent(enforce.SourceDeterminingFilename))
		r.Post("/downloads/created", s.handleDownloadEvent(enforce.SourceCreatedFallback))
		r.Get("/state", s.handleGetState)
		r.Put("/settings", s.handlePutSettings)
		r.Get("/blocked", s.handleBlocked)
		r.Get("/ws", s.handleWebSocket)
	})
	return r
}

// WatchState broadcasts a state message whenever enabled or policy change
// in kv. Call the returned func to stop.
func (s *Server) WatchState(kv store.Store) func() {
	return kv.Watch(func(c store.Change) {
		if c.Key != store.KeyEnabled && c.Key != store.KeyPolicy {
			return
		}
		state, err := s.statePush(context.Background())
		if err != nil {
			s.logger.Debug("state_push_error", "Failed to read state", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if err := s.hub.Push(messaging.PushState, state); err != nil {
			s.logger.Debug("state_push_error", "Failed to push state", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})
}

func (s *Server) statePush(ctx context.Context) (messaging.StatePush, error) {
	enabled, err := s.settings.Enabled(ctx)
	if err != nil {
		return messaging.StatePush{}, err
	}
	cached, err := s.settings.CachedPolicy(ctx)
	if err != nil {
		return messaging.StatePush{}, err
	}
	return messaging.StatePush{Enabled: enabled, Policy: cached.Policy}, nil
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg messaging.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}

	reply, err := s.messages.Handle(r.Context(), msg)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, messaging.ErrUnknownMessage) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleDownloadEvent(source enforce.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var item enforce.DownloadItem
		if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
			writeError(w, http.StatusBadRequest, "invalid download item: "+err.Error())
			return
		}

		var result enforce.Result
		if source == enforce.SourceCreatedFallback {
			// the fallback outlives the request
			result = s.downloads.OnCreated(context.WithoutCancel(r.Context()), item)
		} else {
			result = s.downloads.OnDeterminingFilename(r.Context(), item)
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enabled, err := s.settings.Enabled(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read enabled flag")
		return
	}
	cached, err := s.settings.CachedPolicy(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read policy")
		return
	}
	configURL, err := s.settings.ConfigURL(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read config URL")
		return
	}
	writeJSON(w, http.StatusOK, State{
		Enabled:   enabled,
		Policy:    cached.Policy,
		FetchedAt: cached.FetchedAt,
		ConfigURL: configURL,
	})
}

type settingsRequest struct {
	Enabled   *bool   `json:"enabled"`
	ConfigURL *string `json:"config_url"`
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}

	ctx := r.Context()
	if req.ConfigURL != nil {
		if err := validateConfigURL(*req.ConfigURL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.settings.SetConfigURL(ctx, *req.ConfigURL); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save config URL")
			return
		}
		if s.refresher != nil {
			s.refresher.RefreshAsync()
		}
	}
	if req.Enabled != nil {
		if err := s.settings.SetEnabled(ctx, *req.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save enabled flag")
			return
		}
	}

	s.logger.Info("settings_updated", "Settings updated", map[string]interface{}{
		"enabled_set":    req.Enabled != nil,
		"config_url_set": req.ConfigURL != nil,
	})
	s.handleGetState(w, r)
}

func validateConfigURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !strings.HasPrefix(raw, "https://") && !strings.HasPrefix(raw, "http://") {
		return errors.New("config_url must be an http(s) URL")
	}
	return nil
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	if s.blocked == nil {
		writeJSON(w, http.StatusOK, []audit.Event{})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := s.blocked.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list blocked downloads")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleWebSocket upgrades HTTP to WebSocket and sends the current state
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var initial []byte
	if state, err := s.statePush(r.Context()); err == nil {
		if env, err := messaging.NewEnvelope(messaging.PushState, state); err == nil {
			initial, _ = json.Marshal(env)
		}
	}
	if err := s.hub.add(registration{conn: conn, initial: initial}); err != nil {
		conn.Close()
		return
	}

	go func() {
		defer s.hub.remove(conn)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// originChecker accepts requests without an Origin header, extension
// origins and pages served from loopback hosts
type originChecker struct {
	extensionID string
}

func (o originChecker) allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "chrome-extension":
		return u.Host != "" && (o.extensionID == "" || u.Host == o.extensionID)
	case "moz-extension":
		return u.Host != ""
	case "http", "https":
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.origins.allow(r) {
			s.logger.Warn("origin_rejected", "Rejected request from foreign origin", map[string]interface{}{
				"origin": r.Header.Get("Origin"),
				"path":   r.URL.Path,
			})
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireJSON rejects bodies that a page could send without a preflight
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mediaType != "application/json" {
				writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		s.logger.Debug("api_request", "API request", map[string]interface{}{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
