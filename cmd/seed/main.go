// Seeds a Visteria deployment with demo visits so the dashboard has data to
// show. Goes through the real ingestion upsert, not raw inserts.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/visteria/visteria/internal/config"
	"github.com/visteria/visteria/internal/storage"
	"github.com/visteria/visteria/internal/visitor"
)

type demoSite struct {
	id       string
	name     string
	url      string
	visitors int
	visits   int
}

func main() {
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Mongo.URI == "" {
		log.Fatal("MONGODB_URI is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.Connect(ctx, cfg.Mongo)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer store.Close(ctx)

	sites := []demoSite{
		{id: "blog", name: "Demo Blog", url: "https://blog.example.com", visitors: 5, visits: 12},
		{id: "docs", name: "Demo Docs", url: "https://docs.example.com", visitors: 3, visits: 6},
		{id: "shop", name: "Demo Shop", url: "https://shop.example.com", visitors: 2, visits: 3},
	}

	total := 0
	now := time.Now().UTC()
	for _, site := range sites {
		for v := 0; v < site.visitors; v++ {
			// Distinct uuid-derived identities so every run adds new visitors.
			id := uuid.NewString()
			ip := fmt.Sprintf("198.51.100.%d", v+1)
			ua := "demo-agent/" + id[:8]

			for i := 0; i < site.visits; i++ {
				visit := visitor.TrackedVisit{
					SiteID:      site.id,
					VisitorHash: visitor.Fingerprint(site.id, ip+"|"+id, ua),
					SiteName:    site.name,
					SiteURL:     site.url,
					UserAgent:   ua,
					Visit: visitor.Visit{
						URL:       fmt.Sprintf("/page-%d", i+1),
						Referrer:  "https://search.example.com",
						VisitedAt: now.Add(-time.Duration(i) * 6 * time.Hour),
					},
				}
				if err := store.TrackVisit(ctx, visit); err != nil {
					log.Fatalf("track visit: %v", err)
				}
				total++
			}
		}
		log.Printf("seeded site %q: %d visitors, %d visits", site.id, site.visitors, site.visitors*site.visits)
	}

	log.Printf("done: %d visits total", total)
}
