package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	pastecache "github.com/wolfeidau/paste-cache"
	"github.com/wolfeidau/paste-cache/allocator"
	"github.com/wolfeidau/paste-cache/paste"
	"github.com/wolfeidau/paste-cache/sweep"
	"github.com/wolfeidau/paste-cache/telemetry"
)

const usage = `USAGE

  POST /

      accepts raw data in the body of the request and responds with a URL of
      a page containing the body's content, kept for one week

  POST /<ttl>

      as above, kept for <ttl> given as NdNhNmNs, e.g. 12h or 1d6h30m

  GET /<id>

      retrieves the content for the paste with id ` + "`<id>`" + `
`

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "usage")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, usage)
}

// handleUpload stores the request body as a new paste and responds with its URL.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload")

	expirySeconds := pastecache.DefaultExpiry
	if raw := r.PathValue("ttl"); raw != "" {
		v, err := paste.ParseTTL(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		expirySeconds = v
	}

	body := http.MaxBytesReader(w, r.Body, paste.MaxSize)
	p, err := s.pastes.Upload(r.Context(), body, expirySeconds)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge), errors.Is(err, paste.ErrTooLarge):
			http.Error(w, fmt.Sprintf("paste exceeds %d bytes", paste.MaxSize), http.StatusRequestEntityTooLarge)
		case errors.Is(err, paste.ErrEmpty), errors.Is(err, paste.ErrInvalidTTL):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, allocator.ErrAllocatorExhausted):
			s.logger.Error("identifier space exhausted", "error", err)
			http.Error(w, "no identifier available, try again later", http.StatusServiceUnavailable)
		default:
			s.logger.Error("failed to store paste", "error", err)
			http.Error(w, "failed to store paste", http.StatusInternalServerError)
		}
		return
	}
	telemetry.SetPasteID(r, p.ID)

	url := s.publicURL(r) + "/" + p.ID
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Location", url)
	w.Header().Set("ETag", p.Hash.ETag())
	_, _ = io.WriteString(w, url)
}

// handleGet serves the content of a valid paste.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "paste")
	id := r.PathValue("id")
	telemetry.SetPasteID(r, id)

	c, err := s.pastes.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, paste.ErrNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			http.NotFound(w, r)
			return
		}
		s.logger.Error("failed to read paste", "id", id, "error", err)
		http.Error(w, "failed to read paste", http.StatusInternalServerError)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	etag := c.Hash.ETag()
	maxAge := int64(c.Remaining / time.Second)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.FormatInt(maxAge, 10))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Data)))
	_, _ = w.Write(c.Data)
}

// handleDelete removes a paste before it expires.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete")
	id := r.PathValue("id")
	telemetry.SetPasteID(r, id)

	if err := s.pastes.Delete(r.Context(), id); err != nil {
		if errors.Is(err, paste.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("failed to delete paste", "id", id, "error", err)
		http.Error(w, "failed to delete paste", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	ValidKeys int              `json:"valid_keys"`
	Allocator *allocator.Stats `json:"allocator,omitempty"`
	LastSweep *sweep.Result    `json:"last_sweep,omitempty"`
}

// handleStats reports the expiry cache size, allocator state and last sweep.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	var resp statsResponse
	if s.cache != nil {
		resp.ValidKeys = s.cache.Len()
	}
	if s.alloc != nil {
		stats := s.alloc.Stats()
		resp.Allocator = &stats
	}
	if s.sweeper != nil {
		resp.LastSweep = s.sweeper.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSweep runs the recurring sweep immediately.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sweep")
	if s.sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sweeper not enabled"})
		return
	}

	result := s.sweeper.RunNow(r.Context())
	status := http.StatusOK
	if len(result.Errors) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

// handleSweepHistory returns journaled sweep results, newest first.
func (s *Server) handleSweepHistory(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sweep_history")
	if s.sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sweeper not enabled"})
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = v
	}

	history, err := s.sweeper.History(limit)
	if err != nil {
		s.logger.Error("failed to read sweep history", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read sweep history"})
		return
	}
	if history == nil {
		history = []*sweep.Result{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) publicURL(r *http.Request) string {
	if s.config.PublicURL != "" {
		return s.config.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
