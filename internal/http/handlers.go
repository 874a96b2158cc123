package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/metrics"
	"github.com/roelfdiedericks/serialmon/internal/stream"
	"github.com/roelfdiedericks/serialmon/internal/toggle"
)

const maxMockBody = 64 << 10

// stateResponse is the JSON view of one controller
type stateResponse struct {
	Name   string `json:"name"`
	Open   bool   `json:"open"`
	Busy   bool   `json:"busy"`
	Status string `json:"status"`
}

func stateOf(c *toggle.Controller) stateResponse {
	st := c.State()
	return stateResponse{
		Name:   c.Name(),
		Open:   st.Open,
		Busy:   st.Busy,
		Status: st.Label(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("http: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// controllerFor resolves ?channel=, then the configured channel, then the only channel
func (s *Server) controllerFor(r *http.Request) (*toggle.Controller, error) {
	if s.toggles == nil {
		return nil, errors.New("no channels configured")
	}
	name := r.URL.Query().Get("channel")
	if name == "" {
		name = s.channel
	}
	if name == "" {
		all := s.toggles.Controllers()
		if len(all) != 1 {
			return nil, errors.New("channel parameter required")
		}
		return all[0], nil
	}
	c, ok := s.toggles.Controller(name)
	if !ok {
		return nil, fmt.Errorf("unknown channel: %s", name)
	}
	return c, nil
}

// handleState handles GET /api/state - one channel's state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c, err := s.controllerFor(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stateOf(c))
}

// handleToggle handles POST /api/toggle. The response carries the state after
// the backend call; a request made during a transition is dropped and
// answered with the busy state.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		L_warn("http: toggle - wrong method", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c, err := s.controllerFor(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// A client hanging up must not abort an open/close already sent to the device.
	c.Toggle(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, stateOf(c))
}

// handleChannels handles GET /api/channels - every channel's state
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := []stateResponse{}
	if s.toggles != nil {
		for _, c := range s.toggles.Controllers() {
			out = append(out, stateOf(c))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSources handles GET /api/sources
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "stream manager not available")
		return
	}
	writeJSON(w, http.StatusOK, s.provider.ListSources())
}

// handleParsers handles GET /api/parsers
func (s *Server) handleParsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "stream manager not available")
		return
	}
	writeJSON(w, http.StatusOK, s.provider.ListParsers())
}

// handleSourceAction handles POST /api/sources/{id}/start|stop|mock
func (s *Server) handleSourceAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "stream manager not available")
		return
	}

	id, action := r.PathValue("id"), r.PathValue("action")

	var err error
	switch action {
	case "start":
		err = s.provider.StartSource(context.WithoutCancel(r.Context()), id)
	case "stop":
		err = s.provider.StopSource(id)
	case "mock":
		body, readErr := io.ReadAll(io.LimitReader(r.Body, maxMockBody))
		if readErr != nil {
			writeError(w, http.StatusBadRequest, readErr.Error())
			return
		}
		err = s.provider.MockRx(id, string(body))
	default:
		writeError(w, http.StatusNotFound, "unknown action: "+action)
		return
	}

	var notFound stream.ErrSourceNotFound
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"source": id, "action": action})
	}
}

// handleMetrics handles GET /api/metrics - in-memory metrics snapshot
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := metrics.GetInstance().Snapshot()
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		for path := range snap {
			if !strings.HasPrefix(path, prefix) {
				delete(snap, path)
			}
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleIndex serves the dashboard page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	var channels []stateResponse
	if s.toggles != nil {
		for _, c := range s.toggles.Controllers() {
			channels = append(channels, stateOf(c))
		}
	}

	data := struct {
		Title         string
		Channels      []stateResponse
		TokenRequired bool
		Timestamp     time.Time
	}{
		Title:         "serialmon",
		Channels:      channels,
		TokenRequired: s.token != "",
		Timestamp:     time.Now(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		L_error("http: template error", "error", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
	}
}
