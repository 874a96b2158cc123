// Package http provides the HTTP server for the dashboard, the JSON API and
// the WebSocket event feed.
package http

import (
	"bufio"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	"github.com/roelfdiedericks/serialmon/internal/commands"
	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/toggle"
)

//go:embed html/*.html
var htmlFS embed.FS

// Server represents the HTTP server
type Server struct {
	server      *http.Server
	templates   *template.Template
	rateLimiter *RateLimiter
	hub         *Hub
	wg          sync.WaitGroup

	toggles  *toggle.Set
	provider commands.Provider
	channel  string // default channel for /api/state and /api/toggle
	token    string
	listen   string

	// State tracking
	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	lastError error
}

// NewServer creates a new HTTP server instance. provider may be nil, in
// which case the source endpoints answer 503.
func NewServer(cfg ServerConfig, toggles *toggle.Set, provider commands.Provider) (*Server, error) {
	L_debug("http: NewServer starting", "listen", cfg.Listen, "channel", cfg.Channel, "auth", cfg.Token != "")

	listen := cfg.Listen
	if listen == "" {
		listen = defaultListen
	}

	s := &Server{
		rateLimiter: NewRateLimiter(10 * time.Second),
		hub:         NewHub(),
		toggles:     toggles,
		provider:    provider,
		channel:     cfg.Channel,
		token:       cfg.Token,
		listen:      listen,
	}

	if err := s.loadTemplates(); err != nil {
		L_error("http: template loading failed", "error", err)
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	s.server = &http.Server{
		Addr:        listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: /ws connections are long lived
	}

	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Middleware chain: logging -> strip headers -> token auth
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.tokenAuth(h)))
	}

	// API routes
	mux.HandleFunc("/api/state", wrap(s.handleState))
	mux.HandleFunc("/api/toggle", wrap(s.handleToggle))
	mux.HandleFunc("/api/channels", wrap(s.handleChannels))
	mux.HandleFunc("/api/sources", wrap(s.handleSources))
	mux.HandleFunc("/api/sources/{id}/{action}", wrap(s.handleSourceAction))
	mux.HandleFunc("/api/parsers", wrap(s.handleParsers))
	mux.HandleFunc("/api/metrics", wrap(s.handleMetrics))

	// Event feed
	mux.HandleFunc("/ws", wrap(s.hub.ServeWS))

	// Dashboard (no secrets; the page passes the token to the API itself)
	mux.HandleFunc("/", s.logRequest(s.stripHeaders(s.handleIndex)))

	return mux
}

// loadTemplates parses the embedded HTML templates
func (s *Server) loadTemplates() error {
	htmlDir, err := fs.Sub(htmlFS, "html")
	if err != nil {
		return fmt.Errorf("failed to get html subdirectory: %w", err)
	}

	tmpl, err := template.ParseFS(htmlDir, "*.html")
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}

	s.templates = tmpl
	L_trace("http: loaded embedded templates")
	return nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the HTTP server and the event hub
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil // Already running
	}

	s.hub.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("http: server error", "error", err)
			s.mu.Lock()
			s.lastError = err
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	s.startedAt = time.Now()
	s.lastError = nil
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil // Already stopped
	}
	s.mu.Unlock()

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Status reports whether the server is listening
type Status struct {
	Running   bool      `json:"running"`
	Listen    string    `json:"listen"`
	StartedAt time.Time `json:"startedAt"`
	Clients   int       `json:"clients"`
	Error     string    `json:"error,omitempty"`
}

// Status returns the current server status
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:   s.running,
		Listen:    s.listen,
		StartedAt: s.startedAt,
		Clients:   s.hub.ClientCount(),
	}
	if s.lastError != nil {
		st.Error = s.lastError.Error()
	}
	return st
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Hijack passes the connection through for the /ws upgrade
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http: response writer does not support hijacking")
	}
	return h.Hijack()
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}

// RegisterOperationalCommands registers runtime commands for this server instance.
func (s *Server) RegisterOperationalCommands() {
	bus.RegisterCommand(component, "status", s.handleStatusCommand)
}

// UnregisterOperationalCommands removes the commands added by RegisterOperationalCommands.
func (s *Server) UnregisterOperationalCommands() {
	bus.UnregisterComponent(component)
}

// handleStatusCommand returns the current server status
func (s *Server) handleStatusCommand(cmd bus.Command) bus.CommandResult {
	st := s.Status()
	return bus.CommandResult{
		Success: true,
		Message: fmt.Sprintf("HTTP server listening on %s (%d clients)", st.Listen, st.Clients),
		Data:    st,
	}
}
