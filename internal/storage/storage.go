// Package storage implements the visitor document store on MongoDB.
//
// All mutation happens through single-document atomic updates: the ingestion
// upsert appends to the bounded visit log with $push + $slice inside one
// UpdateOne, so concurrent visits from the same visitor never race through a
// read-modify-write in this process.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/visteria/visteria/internal/config"
	"github.com/visteria/visteria/internal/visitor"
)

// Store wraps the visits collection with an explicit lifecycle: construct
// once at startup, Close on shutdown. It replaces the lazily memoized
// package-global connection the deployment scripts used to rely on.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect establishes the MongoDB connection, verifies it with a ping and
// ensures the (siteId, visitorHash) uniqueness index exists.
func Connect(ctx context.Context, cfg config.MongoConfig) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: missing connection URI")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	s := &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return s, nil
}

// Close tears down the underlying client connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "siteId", Value: 1}, {Key: "visitorHash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "siteId", Value: 1}, {Key: "lastSeenAt", Value: -1}},
		},
	}

	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("mongo: create indexes: %w", err)
	}
	return nil
}

// TrackVisit upserts the visitor record keyed by (siteId, visitorHash) and
// appends the visit to the bounded log, all in one atomic document update.
func (s *Store) TrackVisit(ctx context.Context, v visitor.TrackedVisit) error {
	filter, update := buildTrackUpdate(v, time.Now().UTC())

	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: track visit: %w", err)
	}
	return nil
}

// buildTrackUpdate constructs the upsert filter and update document.
// Split out so the update shape is testable without a running server.
func buildTrackUpdate(v visitor.TrackedVisit, now time.Time) (bson.M, bson.M) {
	filter := bson.M{"siteId": v.SiteID, "visitorHash": v.VisitorHash}

	set := bson.M{
		"siteName":      v.SiteName,
		"lastSeenAt":    now,
		"lastUserAgent": v.UserAgent,
	}
	// Never overwrite a stored siteUrl with an empty value.
	if v.SiteURL != "" {
		set["siteUrl"] = v.SiteURL
	}

	update := bson.M{
		"$setOnInsert": bson.M{
			"siteId":      v.SiteID,
			"visitorHash": v.VisitorHash,
			"firstSeenAt": now,
		},
		"$set": set,
		"$push": bson.M{
			"visits": bson.M{
				"$each":  []visitor.Visit{v.Visit},
				"$slice": -visitor.MaxVisits,
			},
		},
	}

	return filter, update
}

// ListProjects computes the per-site rollups by scanning the whole visitor
// collection. Full scans are acceptable at the data volumes this product
// targets; indexed incremental rollups are the upgrade path beyond that.
func (s *Store) ListProjects(ctx context.Context) ([]visitor.ProjectSummary, error) {
	cursor, err := s.coll.Aggregate(ctx, projectsPipeline(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("mongo: aggregate projects: %w", err)
	}
	defer cursor.Close(ctx)

	summaries := []visitor.ProjectSummary{}
	if err := cursor.All(ctx, &summaries); err != nil {
		return nil, fmt.Errorf("mongo: decode projects: %w", err)
	}
	return summaries, nil
}

// projectsPipeline builds the rollup aggregation. "Today" is the UTC day
// containing now.
func projectsPipeline(now time.Time) []bson.M {
	startOfToday := startOfDayUTC(now)
	endOfToday := startOfToday.AddDate(0, 0, 1)

	return []bson.M{
		{
			"$addFields": bson.M{
				"visitsCount": bson.M{"$size": bson.M{"$ifNull": bson.A{"$visits", bson.A{}}}},
				"todayVisitsCount": bson.M{
					"$size": bson.M{
						"$filter": bson.M{
							"input": bson.M{"$ifNull": bson.A{"$visits", bson.A{}}},
							"as":    "visit",
							"cond": bson.M{
								"$and": bson.A{
									bson.M{"$gte": bson.A{"$$visit.visitedAt", startOfToday}},
									bson.M{"$lt": bson.A{"$$visit.visitedAt", endOfToday}},
								},
							},
						},
					},
				},
			},
		},
		{
			"$group": bson.M{
				"_id":            "$siteId",
				"siteName":       bson.M{"$last": "$siteName"},
				"totalVisits":    bson.M{"$sum": "$visitsCount"},
				"uniqueVisitors": bson.M{"$sum": 1},
				"todayVisits":    bson.M{"$sum": "$todayVisitsCount"},
			},
		},
		{
			"$project": bson.M{
				"_id":            0,
				"siteId":         "$_id",
				"siteName":       1,
				"totalVisits":    1,
				"uniqueVisitors": 1,
				"todayVisits":    1,
			},
		},
		{
			"$sort": bson.M{"totalVisits": -1},
		},
	}
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SiteVisitors returns every visitor record for one site, most recently seen
// first. Each record carries its full stored visit log; response shaping
// (reversal, caps) is the API layer's concern.
func (s *Store) SiteVisitors(ctx context.Context, siteID string) ([]visitor.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastSeenAt", Value: -1}})

	cursor, err := s.coll.Find(ctx, bson.M{"siteId": siteID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: find site visitors: %w", err)
	}
	defer cursor.Close(ctx)

	records := []visitor.Record{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("mongo: decode site visitors: %w", err)
	}
	return records, nil
}
