// Package api exposes the analysis and feed endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/engine"
	"github.com/lvonguyen/phishguard/internal/feed"
	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// maxBulkURLs bounds one bulk lookup request.
const maxBulkURLs = 100

// Analyzer resolves a URL to an analysis result, via the verdict cache.
type Analyzer interface {
	GetOrCompute(ctx context.Context, rawURL string) (*engine.AnalysisResult, bool, error)
}

// Refresher exposes the feed ingestor operations the API needs.
type Refresher interface {
	Refresh(ctx context.Context, name string) (int, error)
	RefreshAll(ctx context.Context) (int, error)
	Status() []feed.SourceStatus
}

// Server wires the HTTP surface to the analysis pipeline.
type Server struct {
	analyzer  Analyzer
	feedStore feed.Store
	refresher Refresher
	limiter   *RateLimiter
	logger    *zap.Logger
	version   string
}

// NewServer creates the API server.
func NewServer(analyzer Analyzer, store feed.Store, refresher Refresher, limiter *RateLimiter, logger *zap.Logger, version string) *Server {
	return &Server{
		analyzer:  analyzer,
		feedStore: store,
		refresher: refresher,
		limiter:   limiter,
		logger:    logger,
		version:   version,
	}
}

// Router builds the chi router with middleware and all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware())
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Route("/feeds", func(r chi.Router) {
			r.Post("/lookup", s.handleFeedLookup)
			r.Post("/lookup/bulk", s.handleFeedLookupBulk)
			r.Get("/status", s.handleFeedStatus)
			r.Post("/refresh", s.handleFeedRefresh)
		})
	})

	return r
}

// AnalyzeRequest is the analyze endpoint's request body.
type AnalyzeRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	res, _, err := s.analyzer.GetOrCompute(r.Context(), req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LookupRequest is the feed lookup request body. Normalize defaults to true;
// when false the URL is matched verbatim and domain-suffix matching is
// skipped.
type LookupRequest struct {
	URL       string `json:"url"`
	Normalize *bool  `json:"normalize"`
}

// LookupResponse reports whether a URL matches stored indicators.
type LookupResponse struct {
	URL      string           `json:"url"`
	IsThreat bool             `json:"is_threat"`
	Matches  []feed.Indicator `json:"matches"`
}

func (s *Server) handleFeedLookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.lookupOne(r.Context(), req.URL, normalizeWanted(req.Normalize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// BulkLookupRequest is the bulk lookup request body.
type BulkLookupRequest struct {
	URLs      []string `json:"urls"`
	Normalize *bool    `json:"normalize"`
}

// BulkLookupResponse carries one result per submitted URL.
type BulkLookupResponse struct {
	Results []LookupResponse `json:"results"`
	Threats int              `json:"threats"`
}

func (s *Server) handleFeedLookupBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkLookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls is required")
		return
	}
	if len(req.URLs) > maxBulkURLs {
		writeError(w, http.StatusBadRequest, "too many urls: limit is 100")
		return
	}

	normalize := normalizeWanted(req.Normalize)
	resp := BulkLookupResponse{Results: make([]LookupResponse, 0, len(req.URLs))}
	for _, raw := range req.URLs {
		result, err := s.lookupOne(r.Context(), raw, normalize)
		if err != nil {
			// One malformed URL must not sink the batch.
			resp.Results = append(resp.Results, LookupResponse{URL: raw})
			continue
		}
		if result.IsThreat {
			resp.Threats++
		}
		resp.Results = append(resp.Results, result)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lookupOne(ctx context.Context, rawURL string, normalize bool) (LookupResponse, error) {
	if !normalize {
		matches, err := s.feedStore.Lookup(ctx, rawURL)
		if err != nil {
			return LookupResponse{}, err
		}
		if matches == nil {
			matches = []feed.Indicator{}
		}
		return LookupResponse{URL: rawURL, IsThreat: len(matches) > 0, Matches: matches}, nil
	}

	target, err := urlutil.Normalize(rawURL)
	if err != nil {
		return LookupResponse{}, err
	}

	matches, err := s.feedStore.Lookup(ctx, target.Normalized)
	if err != nil {
		return LookupResponse{}, err
	}
	domainMatches, err := s.feedStore.LookupDomain(ctx, target.Host)
	if err != nil {
		return LookupResponse{}, err
	}
	matches = append(matches, domainMatches...)
	if matches == nil {
		matches = []feed.Indicator{}
	}

	return LookupResponse{
		URL:      target.Normalized,
		IsThreat: len(matches) > 0,
		Matches:  matches,
	}, nil
}

// normalizeWanted resolves the optional normalize flag; absent means true.
func normalizeWanted(flag *bool) bool {
	return flag == nil || *flag
}

func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.feedStore.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "indicator store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"indicators": count,
		"sources":    s.refresher.Status(),
	})
}

// RefreshRequest names the source to refresh, or "all".
type RefreshRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleFeedRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		created int
		err     error
	)
	if req.Source == "" || req.Source == "all" {
		created, err = s.refresher.RefreshAll(r.Context())
	} else {
		created, err = s.refresher.Refresh(r.Context(), req.Source)
	}
	if err != nil {
		s.logger.Warn("on-demand feed refresh failed",
			zap.String("source", req.Source), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   err.Error(),
			"created": created,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": created})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.feedStore.Count(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "indicator store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
