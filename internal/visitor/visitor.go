package visitor

import "time"

// MaxVisits caps the per-visitor visit log. The ingestion upsert keeps only
// the most recent MaxVisits entries; older entries are evicted by the store.
const MaxVisits = 1000

// Visit is a single tracked page view embedded in a Record.
type Visit struct {
	URL       string    `bson:"url" json:"url"`
	Referrer  string    `bson:"referrer" json:"referrer"`
	VisitedAt time.Time `bson:"visitedAt" json:"visitedAt"`
}

// Record is one visitor document, unique per (siteId, visitorHash).
type Record struct {
	SiteID        string    `bson:"siteId" json:"siteId"`
	VisitorHash   string    `bson:"visitorHash" json:"visitorHash"`
	SiteName      string    `bson:"siteName" json:"siteName"`
	SiteURL       string    `bson:"siteUrl,omitempty" json:"siteUrl,omitempty"`
	FirstSeenAt   time.Time `bson:"firstSeenAt" json:"firstSeenAt"`
	LastSeenAt    time.Time `bson:"lastSeenAt" json:"lastSeenAt"`
	LastUserAgent string    `bson:"lastUserAgent" json:"lastUserAgent"`
	Visits        []Visit   `bson:"visits" json:"visits"`
}

// TrackedVisit is a normalized ingestion input: validated, trimmed and
// fingerprinted, ready to be upserted.
type TrackedVisit struct {
	SiteID      string
	VisitorHash string
	SiteName    string
	SiteURL     string
	UserAgent   string
	Visit       Visit
}

// ProjectSummary is a per-site rollup produced by the aggregation query.
type ProjectSummary struct {
	SiteID         string `bson:"siteId" json:"siteId"`
	SiteName       string `bson:"siteName" json:"siteName"`
	TotalVisits    int64  `bson:"totalVisits" json:"totalVisits"`
	UniqueVisitors int64  `bson:"uniqueVisitors" json:"uniqueVisitors"`
	TodayVisits    int64  `bson:"todayVisits" json:"todayVisits"`
}
