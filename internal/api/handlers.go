package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/visteria/visteria/internal/config"
	"github.com/visteria/visteria/internal/pkg/logger"
	"github.com/visteria/visteria/internal/visitor"
)

// VisitStore is the storage surface the handlers depend on. The MongoDB
// store satisfies it in production; tests substitute an in-memory fake.
type VisitStore interface {
	TrackVisit(ctx context.Context, v visitor.TrackedVisit) error
	ListProjects(ctx context.Context) ([]visitor.ProjectSummary, error)
	SiteVisitors(ctx context.Context, siteID string) ([]visitor.Record, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	store      VisitStore
	visitLimit int
}

// NewHandlers creates a new Handlers instance
func NewHandlers(store VisitStore, apiCfg config.APIConfig) *Handlers {
	return &Handlers{
		store:      store,
		visitLimit: apiCfg.VisitHistoryLimit,
	}
}

type trackPayload struct {
	SiteID    string `json:"siteId"`
	SiteName  string `json:"siteName"`
	SiteURL   string `json:"siteUrl"`
	URL       string `json:"url"`
	Referrer  string `json:"referrer"`
	UserAgent string `json:"userAgent"`
	VisitedAt string `json:"visitedAt"`
}

// HandleTrack ingests one page view: validates the submission, fingerprints
// the visitor and hands the normalized visit to the store's atomic upsert.
func (h *Handlers) HandleTrack(w http.ResponseWriter, r *http.Request) {
	var payload trackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	siteID := strings.TrimSpace(payload.SiteID)
	if siteID == "" || payload.URL == "" {
		respondError(w, http.StatusBadRequest, "siteId and url are required.")
		return
	}

	siteName := strings.TrimSpace(payload.SiteName)
	if siteName == "" {
		siteName = siteID
	}

	userAgent := payload.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}

	visitedAt, ok := parseVisitedAt(payload.VisitedAt)
	if !ok {
		// Malformed timestamps are normalized to now, not rejected.
		visitedAt = time.Now().UTC()
	}

	ip := realIP(r)
	tracked := visitor.TrackedVisit{
		SiteID:      siteID,
		VisitorHash: visitor.Fingerprint(siteID, ip, userAgent),
		SiteName:    siteName,
		SiteURL:     strings.TrimSpace(payload.SiteURL),
		UserAgent:   userAgent,
		Visit: visitor.Visit{
			URL:       payload.URL,
			Referrer:  payload.Referrer,
			VisitedAt: visitedAt,
		},
	}

	if err := h.store.TrackVisit(r.Context(), tracked); err != nil {
		logger.Error("track visit failed", "site_id", siteID, "ip", ip, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// HandleProjects returns the per-site rollups, most visited first.
func (h *Handlers) HandleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		logger.Error("list projects failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// SiteSummary is the per-site header of the site-detail response.
type SiteSummary struct {
	SiteID         string `json:"siteId"`
	SiteName       string `json:"siteName"`
	SiteURL        string `json:"siteUrl,omitempty"`
	TotalVisits    int    `json:"totalVisits"`
	UniqueVisitors int    `json:"uniqueVisitors"`
}

// VisitorDetail is one visitor's entry in the site-detail response, with
// its visit log most-recent-first.
type VisitorDetail struct {
	VisitorHash string          `json:"visitorHash"`
	FirstSeenAt time.Time       `json:"firstSeenAt"`
	LastSeenAt  time.Time       `json:"lastSeenAt"`
	VisitCount  int             `json:"visitCount"`
	Visits      []visitor.Visit `json:"visits"`
}

// HandleSiteDetail returns every visitor for one site plus a site summary.
func (h *Handlers) HandleSiteDetail(w http.ResponseWriter, r *http.Request) {
	siteID := strings.TrimSpace(chi.URLParam(r, "siteID"))
	if siteID == "" {
		respondError(w, http.StatusBadRequest, "Missing siteId parameter")
		return
	}

	records, err := h.store.SiteVisitors(r.Context(), siteID)
	if err != nil {
		logger.Error("site detail failed", "site_id", siteID, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	var site *SiteSummary
	if len(records) > 0 {
		site = &SiteSummary{
			SiteID:         siteID,
			SiteName:       records[0].SiteName,
			SiteURL:        firstSiteURL(records),
			UniqueVisitors: len(records),
		}
		if site.SiteName == "" {
			site.SiteName = siteID
		}
		for _, rec := range records {
			site.TotalVisits += len(rec.Visits)
		}
	}

	visitors := make([]VisitorDetail, 0, len(records))
	for _, rec := range records {
		visitors = append(visitors, VisitorDetail{
			VisitorHash: rec.VisitorHash,
			FirstSeenAt: rec.FirstSeenAt,
			LastSeenAt:  rec.LastSeenAt,
			VisitCount:  len(rec.Visits),
			Visits:      recentVisitsReversed(rec.Visits, h.visitLimit),
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"site":     site,
		"visitors": visitors,
	})
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func firstSiteURL(records []visitor.Record) string {
	for _, rec := range records {
		if rec.SiteURL != "" {
			return rec.SiteURL
		}
	}
	return ""
}

// recentVisitsReversed returns the most recent limit visits (all when
// limit <= 0) in most-recent-first order. The stored log is
// insertion-ordered oldest first.
func recentVisitsReversed(visits []visitor.Visit, limit int) []visitor.Visit {
	if limit > 0 && len(visits) > limit {
		visits = visits[len(visits)-limit:]
	}

	out := make([]visitor.Visit, len(visits))
	for i, v := range visits {
		out[len(visits)-1-i] = v
	}
	return out
}

// visitedAtLayouts are tried in order when parsing a client-supplied
// timestamp. The tracking agent sends RFC 3339.
var visitedAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseVisitedAt(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range visitedAtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// realIP extracts the caller's address: first entry of X-Forwarded-For when
// present, else the connection's remote address without the port.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx > 0 {
		return addr[:idx]
	}
	return addr
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
