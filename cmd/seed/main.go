// File: cmd/seed/main.go
//
// Seeds plan mappings from a YAML file, e.g.:
//
//	mappings:
//	  - product_id: "prod-123"
//	    offer_id: "offer-monthly"
//	    plan_code: "premium-30"
//	    tier: "premium"
//	    duration_days: 30
//	  - product_id: "prod-123"
//	    plan_code: "premium-lifetime"
//	    tier: "premium"   # no duration_days -> lifetime
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"marketplace-billing/internal/config"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
	pg "marketplace-billing/internal/infra/db/postgres"
)

type seedFile struct {
	Mappings []struct {
		ProductID    string `yaml:"product_id"`
		OfferID      string `yaml:"offer_id"`
		PlanCode     string `yaml:"plan_code"`
		Tier         string `yaml:"tier"`
		DurationDays *int   `yaml:"duration_days"`
	} `yaml:"mappings"`
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	seedPath := flag.String("seed", "seed.yaml", "path to the mapping seed file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	b, err := os.ReadFile(*seedPath)
	if err != nil {
		log.Fatalf("read seed file: %v", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(b, &seed); err != nil {
		log.Fatalf("parse seed file: %v", err)
	}
	if len(seed.Mappings) == 0 {
		log.Fatalf("seed file has no mappings")
	}

	ctx := context.Background()
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	repo := pg.NewPlanMappingRepo(pool)
	for _, entry := range seed.Mappings {
		m, err := model.NewPlanMapping(entry.ProductID, entry.OfferID, entry.PlanCode, model.AccessTier(entry.Tier), entry.DurationDays)
		if err != nil {
			log.Fatalf("invalid mapping %s/%s: %v", entry.ProductID, entry.OfferID, err)
		}
		if err := repo.Save(ctx, repository.NoTX, m); err != nil {
			log.Fatalf("save mapping %s/%s: %v", entry.ProductID, entry.OfferID, err)
		}
		log.Printf("seeded mapping product=%s offer=%s plan=%s", entry.ProductID, entry.OfferID, entry.PlanCode)
	}
	log.Printf("done: %d mappings", len(seed.Mappings))
}
