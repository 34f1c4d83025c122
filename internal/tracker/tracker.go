// Package tracker is the tracking agent: a small client that reports page
// views to the ingestion endpoint. It mirrors the browser snippet's
// behavior, including the short-lived duplicate-suppression window.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// duplicateWindow suppresses a repeat report of the same URL within this
// interval, so double-fired navigation hooks do not count twice.
const duplicateWindow = 2 * time.Second

// Config configures a Tracker.
type Config struct {
	// BaseURL is the ingestion API root, e.g. "https://analytics.example.com".
	BaseURL string
	// SiteID identifies the tracked site.
	SiteID string
	// APIKey is sent as x-api-key when the deployment requires auth on
	// tracking. Empty for public deployments.
	APIKey string
	// SiteName and SiteURL are optional display metadata.
	SiteName string
	SiteURL  string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// PageView is one page view to report.
type PageView struct {
	URL       string
	Referrer  string
	UserAgent string
	VisitedAt time.Time
}

// Tracker reports page views to a Visteria deployment. Safe for concurrent
// use. Errors are returned to the caller; no retries are attempted.
type Tracker struct {
	baseURL  string
	siteID   string
	apiKey   string
	siteName string
	siteURL  string
	client   *http.Client

	mu      sync.Mutex
	lastURL string
	lastAt  time.Time

	now func() time.Time
}

// New creates a Tracker. BaseURL and SiteID are required.
func New(cfg Config) (*Tracker, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("tracker: base URL is required")
	}
	siteID := strings.TrimSpace(cfg.SiteID)
	if siteID == "" {
		return nil, fmt.Errorf("tracker: site ID is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Tracker{
		baseURL:  baseURL,
		siteID:   siteID,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		siteName: cfg.SiteName,
		siteURL:  cfg.SiteURL,
		client:   client,
		now:      time.Now,
	}, nil
}

type trackBody struct {
	SiteID    string `json:"siteId"`
	SiteName  string `json:"siteName,omitempty"`
	SiteURL   string `json:"siteUrl,omitempty"`
	URL       string `json:"url"`
	Referrer  string `json:"referrer,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	VisitedAt string `json:"visitedAt"`
}

// Track reports one page view. A repeat of the same URL within the
// duplicate-suppression window returns nil without sending anything.
func (t *Tracker) Track(ctx context.Context, pv PageView) error {
	if t.suppressDuplicate(pv.URL) {
		return nil
	}

	visitedAt := pv.VisitedAt
	if visitedAt.IsZero() {
		visitedAt = t.now()
	}

	body, err := json.Marshal(trackBody{
		SiteID:    t.siteID,
		SiteName:  t.siteName,
		SiteURL:   t.siteURL,
		URL:       pv.URL,
		Referrer:  pv.Referrer,
		UserAgent: pv.UserAgent,
		VisitedAt: visitedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("tracker: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/api/visits/track", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tracker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-Api-Key", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tracker: server returned %d", resp.StatusCode)
	}
	return nil
}

// suppressDuplicate records the URL and reports whether it repeats the last
// tracked URL within the window.
func (t *Tracker) suppressDuplicate(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.lastURL == url && now.Sub(t.lastAt) < duplicateWindow {
		return true
	}
	t.lastURL = url
	t.lastAt = now
	return false
}
