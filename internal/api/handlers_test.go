package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visteria/visteria/internal/config"
	"github.com/visteria/visteria/internal/visitor"
)

// memStore is an in-memory VisitStore mirroring the MongoDB upsert
// semantics: keyed by (siteId, visitorHash), bounded append, firstSeenAt
// immutable, siteUrl never overwritten with empty.
type memStore struct {
	mu      sync.Mutex
	records map[string]*visitor.Record
	order   []string // insertion order, for last-in-scan siteName semantics

	trackCalls int
	listCalls  int
	siteCalls  int
	failTrack  bool
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*visitor.Record{}}
}

func (m *memStore) TrackVisit(_ context.Context, v visitor.TrackedVisit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackCalls++

	if m.failTrack {
		return errors.New("boom")
	}

	now := time.Now().UTC()
	key := v.SiteID + "|" + v.VisitorHash
	rec, ok := m.records[key]
	if !ok {
		rec = &visitor.Record{
			SiteID:      v.SiteID,
			VisitorHash: v.VisitorHash,
			FirstSeenAt: now,
		}
		m.records[key] = rec
		m.order = append(m.order, key)
	}

	rec.SiteName = v.SiteName
	rec.LastSeenAt = now
	rec.LastUserAgent = v.UserAgent
	if v.SiteURL != "" {
		rec.SiteURL = v.SiteURL
	}

	rec.Visits = append(rec.Visits, v.Visit)
	if len(rec.Visits) > visitor.MaxVisits {
		rec.Visits = rec.Visits[len(rec.Visits)-visitor.MaxVisits:]
	}
	return nil
}

func (m *memStore) ListProjects(_ context.Context) ([]visitor.ProjectSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	startOfToday := time.Now().UTC().Truncate(24 * time.Hour)
	endOfToday := startOfToday.AddDate(0, 0, 1)

	bySite := map[string]*visitor.ProjectSummary{}
	var siteOrder []string
	for _, key := range m.order {
		rec := m.records[key]
		sum, ok := bySite[rec.SiteID]
		if !ok {
			sum = &visitor.ProjectSummary{SiteID: rec.SiteID}
			bySite[rec.SiteID] = sum
			siteOrder = append(siteOrder, rec.SiteID)
		}
		sum.SiteName = rec.SiteName
		sum.UniqueVisitors++
		sum.TotalVisits += int64(len(rec.Visits))
		for _, vis := range rec.Visits {
			at := vis.VisitedAt.UTC()
			if !at.Before(startOfToday) && at.Before(endOfToday) {
				sum.TodayVisits++
			}
		}
	}

	out := make([]visitor.ProjectSummary, 0, len(siteOrder))
	for _, id := range siteOrder {
		out = append(out, *bySite[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalVisits > out[j].TotalVisits })
	return out, nil
}

func (m *memStore) SiteVisitors(_ context.Context, siteID string) ([]visitor.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.siteCalls++

	var out []visitor.Record
	for _, key := range m.order {
		if rec := m.records[key]; rec.SiteID == siteID {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (m *memStore) record(siteID, hash string) *visitor.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[siteID+"|"+hash]
}

func (m *memStore) seed(rec visitor.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.SiteID + "|" + rec.VisitorHash
	m.records[key] = &rec
	m.order = append(m.order, key)
}

const testKey = "test-api-key"

func newTestRouter(store VisitStore, opts ...func(*config.Config)) *chi.Mux {
	cfg := config.Default()
	cfg.Auth.APIKeys = testKey
	for _, opt := range opts {
		opt(cfg)
	}
	return SetupRoutes(NewHandlers(store, cfg.API), cfg.Auth, nil)
}

func postTrack(t *testing.T, router http.Handler, body map[string]string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/visits/track", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTrackVisitHappyPath(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	rec := postTrack(t, router, map[string]string{
		"siteId":    "blog",
		"url":       "/post1",
		"referrer":  "https://news.example.com",
		"userAgent": "A",
	}, map[string]string{"X-Forwarded-For": "1.1.1.1"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	hash := visitor.Fingerprint("blog", "1.1.1.1", "A")
	stored := store.record("blog", hash)
	require.NotNil(t, stored, "record should be keyed by the forwarded IP fingerprint")
	assert.Equal(t, "blog", stored.SiteName, "siteName defaults to siteId")
	assert.Equal(t, "A", stored.LastUserAgent)
	require.Len(t, stored.Visits, 1)
	assert.Equal(t, "/post1", stored.Visits[0].URL)
	assert.Equal(t, "https://news.example.com", stored.Visits[0].Referrer)
}

func TestTrackMissingFields(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	for _, body := range []map[string]string{
		{"url": "/post1"},
		{"siteId": "blog"},
		{"siteId": "   ", "url": "/post1"},
	} {
		rec := postTrack(t, router, body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Zero(t, store.trackCalls, "validation failures must not reach the store")
}

func TestTrackInvalidJSON(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	req := httptest.NewRequest(http.MethodPost, "/api/visits/track", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, store.trackCalls)
}

func TestTrackMalformedVisitedAtNormalized(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	before := time.Now().UTC()
	rec := postTrack(t, router, map[string]string{
		"siteId":    "blog",
		"url":       "/p",
		"userAgent": "A",
		"visitedAt": "definitely-not-a-date",
	}, map[string]string{"X-Forwarded-For": "1.1.1.1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	stored := store.record("blog", visitor.Fingerprint("blog", "1.1.1.1", "A"))
	require.NotNil(t, stored)
	require.Len(t, stored.Visits, 1)
	at := stored.Visits[0].VisitedAt
	assert.False(t, at.Before(before))
	assert.False(t, at.After(time.Now().UTC()))
}

func TestTrackSiteURLNeverClearedByEmpty(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	headers := map[string]string{"X-Forwarded-For": "1.1.1.1"}
	postTrack(t, router, map[string]string{
		"siteId": "blog", "url": "/a", "userAgent": "A", "siteUrl": "https://blog.example.com",
	}, headers)
	postTrack(t, router, map[string]string{
		"siteId": "blog", "url": "/b", "userAgent": "A",
	}, headers)

	stored := store.record("blog", visitor.Fingerprint("blog", "1.1.1.1", "A"))
	require.NotNil(t, stored)
	assert.Equal(t, "https://blog.example.com", stored.SiteURL)
}

func TestTrackStorageFailureIsOpaque(t *testing.T) {
	store := newMemStore()
	store.failTrack = true
	router := newTestRouter(store)

	rec := postTrack(t, router, map[string]string{"siteId": "blog", "url": "/p"}, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestFingerprintSeparatesVisitors(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	headers := map[string]string{"X-Forwarded-For": "1.1.1.1"}
	postTrack(t, router, map[string]string{"siteId": "blog", "url": "/post1", "userAgent": "A"}, headers)
	postTrack(t, router, map[string]string{"siteId": "blog", "url": "/post2", "userAgent": "A"}, headers)
	postTrack(t, router, map[string]string{"siteId": "blog", "url": "/post1", "userAgent": "B"}, headers)

	first := store.record("blog", visitor.Fingerprint("blog", "1.1.1.1", "A"))
	second := store.record("blog", visitor.Fingerprint("blog", "1.1.1.1", "B"))
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Len(t, first.Visits, 2)
	assert.Len(t, second.Visits, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("X-Api-Key", testKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Projects []visitor.ProjectSummary `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Projects, 1)
	assert.Equal(t, int64(3), resp.Projects[0].TotalVisits)
	assert.Equal(t, int64(2), resp.Projects[0].UniqueVisitors)
}

func TestConcurrentTracksNeverLoseAppends(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := postTrack(t, router, map[string]string{
				"siteId":    "blog",
				"url":       fmt.Sprintf("/page-%d", i),
				"userAgent": "A",
			}, map[string]string{"X-Forwarded-For": "1.1.1.1"})
			assert.Equal(t, http.StatusAccepted, rec.Code)
		}(i)
	}
	wg.Wait()

	stored := store.record("blog", visitor.Fingerprint("blog", "1.1.1.1", "A"))
	require.NotNil(t, stored)
	assert.Len(t, stored.Visits, n)
}

func TestVisitLogEvictsOldest(t *testing.T) {
	store := newMemStore()

	visit := func(i int) visitor.TrackedVisit {
		return visitor.TrackedVisit{
			SiteID:      "blog",
			VisitorHash: "h",
			SiteName:    "blog",
			Visit:       visitor.Visit{URL: fmt.Sprintf("/p%d", i), VisitedAt: time.Now()},
		}
	}
	for i := 0; i < visitor.MaxVisits+5; i++ {
		require.NoError(t, store.TrackVisit(context.Background(), visit(i)))
	}

	stored := store.record("blog", "h")
	require.NotNil(t, stored)
	require.Len(t, stored.Visits, visitor.MaxVisits)
	assert.Equal(t, "/p5", stored.Visits[0].URL, "the oldest entries are evicted first")
	assert.Equal(t, fmt.Sprintf("/p%d", visitor.MaxVisits+4), stored.Visits[len(stored.Visits)-1].URL)
}

func TestProjectsTodayBoundary(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	now := time.Now().UTC()
	store.seed(visitor.Record{
		SiteID:      "blog",
		VisitorHash: "v1",
		SiteName:    "blog",
		LastSeenAt:  now,
		Visits: []visitor.Visit{
			{URL: "/old", VisitedAt: now.Truncate(24 * time.Hour).Add(-time.Hour)},
			{URL: "/new", VisitedAt: now},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("X-Api-Key", testKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Projects []visitor.ProjectSummary `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Projects, 1)
	assert.Equal(t, int64(2), resp.Projects[0].TotalVisits)
	assert.Equal(t, int64(1), resp.Projects[0].TodayVisits, "yesterday's visit is outside the UTC day boundary")
}

func TestAuthMatrix(t *testing.T) {
	for _, path := range []string{"/api/projects", "/api/sites/blog"} {
		t.Run(path, func(t *testing.T) {
			store := newMemStore()
			router := newTestRouter(store)

			// Missing key
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			// Wrong key
			req = httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("X-Api-Key", "wrong")
			rec = httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			assert.Zero(t, store.listCalls, "rejected requests must not touch the store")
			assert.Zero(t, store.siteCalls, "rejected requests must not touch the store")
		})
	}
}

func TestAuthNoKeysConfigured(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store, func(c *config.Config) { c.Auth.APIKeys = "" })

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("X-Api-Key", "anything")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, store.listCalls)
}

func TestTrackAuthEnabled(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store, func(c *config.Config) { c.Auth.TrackAuth = true })

	rec := postTrack(t, router, map[string]string{"siteId": "blog", "url": "/p"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postTrack(t, router, map[string]string{"siteId": "blog", "url": "/p"},
		map[string]string{"X-Api-Key": testKey})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSiteDetail(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	now := time.Now().UTC()
	store.seed(visitor.Record{
		SiteID: "blog", VisitorHash: "older", SiteName: "Old Name",
		FirstSeenAt: now.Add(-48 * time.Hour), LastSeenAt: now.Add(-24 * time.Hour),
		SiteURL: "https://blog.example.com",
		Visits:  []visitor.Visit{{URL: "/a", VisitedAt: now.Add(-24 * time.Hour)}},
	})
	store.seed(visitor.Record{
		SiteID: "blog", VisitorHash: "newer", SiteName: "My Blog",
		FirstSeenAt: now.Add(-2 * time.Hour), LastSeenAt: now,
		Visits: []visitor.Visit{
			{URL: "/1", VisitedAt: now.Add(-3 * time.Minute)},
			{URL: "/2", VisitedAt: now.Add(-2 * time.Minute)},
			{URL: "/3", VisitedAt: now.Add(-time.Minute)},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sites/blog", nil)
	req.Header.Set("X-Api-Key", testKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Site     *SiteSummary    `json:"site"`
		Visitors []VisitorDetail `json:"visitors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.NotNil(t, resp.Site)
	assert.Equal(t, "blog", resp.Site.SiteID)
	assert.Equal(t, "My Blog", resp.Site.SiteName, "summary name comes from the most recently seen visitor")
	assert.Equal(t, "https://blog.example.com", resp.Site.SiteURL)
	assert.Equal(t, 4, resp.Site.TotalVisits)
	assert.Equal(t, 2, resp.Site.UniqueVisitors)

	require.Len(t, resp.Visitors, 2)
	assert.Equal(t, "newer", resp.Visitors[0].VisitorHash, "visitors are ordered by lastSeenAt descending")
	assert.Equal(t, 3, resp.Visitors[0].VisitCount)
	require.Len(t, resp.Visitors[0].Visits, 3)
	assert.Equal(t, "/3", resp.Visitors[0].Visits[0].URL, "visit log is most-recent-first")
	assert.Equal(t, "/1", resp.Visitors[0].Visits[2].URL)
}

func TestSiteDetailUnknownSite(t *testing.T) {
	router := newTestRouter(newMemStore())

	req := httptest.NewRequest(http.MethodGet, "/api/sites/ghost", nil)
	req.Header.Set("X-Api-Key", testKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Site     *SiteSummary    `json:"site"`
		Visitors []VisitorDetail `json:"visitors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Site)
	assert.Empty(t, resp.Visitors)
}

func TestSiteDetailVisitCap(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store, func(c *config.Config) { c.API.VisitHistoryLimit = 2 })

	now := time.Now().UTC()
	store.seed(visitor.Record{
		SiteID: "blog", VisitorHash: "v", SiteName: "blog", LastSeenAt: now,
		Visits: []visitor.Visit{
			{URL: "/1", VisitedAt: now.Add(-3 * time.Minute)},
			{URL: "/2", VisitedAt: now.Add(-2 * time.Minute)},
			{URL: "/3", VisitedAt: now.Add(-time.Minute)},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sites/blog", nil)
	req.Header.Set("X-Api-Key", testKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Visitors []VisitorDetail `json:"visitors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Visitors, 1)
	assert.Equal(t, 3, resp.Visitors[0].VisitCount, "visitCount reflects the full stored log")
	require.Len(t, resp.Visitors[0].Visits, 2, "returned history is capped")
	assert.Equal(t, "/3", resp.Visitors[0].Visits[0].URL)
	assert.Equal(t, "/2", resp.Visitors[0].Visits[1].URL)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(newMemStore())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(newMemStore())

	req := httptest.NewRequest(http.MethodOptions, "/api/visits/track", nil)
	req.Header.Set("Origin", "https://third-party.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
