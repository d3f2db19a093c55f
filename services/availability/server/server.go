package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"libseminar-backend/lib/timezone"
	"libseminar-backend/services/availability"
)

// Server is the JSON front door the web frontend talks to. The wire
// format matches what the frontend already consumes: a rooms array
// with per-room times, plus cache metadata.
type Server struct {
	service *availability.Service
}

func New(service *availability.Service) *Server {
	return &Server{service: service}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("/api/availability", cors(http.HandlerFunc(s.handleAvailability)))
	mux.Handle("/api/crawl", cors(http.HandlerFunc(s.handleCrawl)))
	mux.Handle("/api/progress", cors(http.HandlerFunc(s.handleProgress)))
}

// the frontend is served from a different origin
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJson(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJson(w, http.StatusInternalServerError, map[string]string{
		"error":   "Failed to fetch availability data.",
		"message": err.Error(),
	})
}

// GET /api/availability?date=YYYY-MM-DD[&_ts=...]
//
// Returns the cached snapshot when fresh. The `_ts` parameter (the
// frontend's long-press cache-buster) forces a crawl.
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	date := q.Get("date")
	if date == "" {
		date = availability.TargetDate(timezone.Now())
	}
	force := q.Has("_ts")

	res, err := s.service.Get(r.Context(), date, force)
	if err != nil {
		slog.ErrorContext(r.Context(), "availability request failed", "date", date, "err", err)
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, res)
}

// GET /api/crawl?date=YYYY-MM-DD — always crawls, for debugging.
func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = timezone.FormatDate(timezone.Now())
	}

	res, err := s.service.Get(r.Context(), date, true)
	if err != nil {
		slog.ErrorContext(r.Context(), "crawl request failed", "date", date, "err", err)
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, res)
}

// GET /api/progress — streams crawl progress percentages as
// server-sent events until the client goes away.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, cancel := s.service.SubscribeProgress()
	defer cancel()

	for {
		select {
		case pct := <-updates:
			_, err := fmt.Fprintf(w, "data: %d\n\n", pct)
			if err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
