// File: cmd/migrate/main.go
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"marketplace-billing/internal/config"
	pg "marketplace-billing/internal/infra/db/postgres"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	src := cfg.Database.MigrationsPath
	dsn := cfg.Database.URL

	switch flag.Arg(0) {
	case "up":
		if err := pg.MigrateUp(src, dsn); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Println("migrations applied")

	case "down":
		if err := pg.MigrateDown(src, dsn); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Println("last migration rolled back")

	case "status":
		version, dirty, err := pg.MigrateVersion(src, dsn)
		if err != nil {
			log.Fatalf("migrate status: %v", err)
		}
		if version == 0 {
			log.Println("no migrations applied yet")
			return
		}
		suffix := ""
		if dirty {
			suffix = " (dirty)"
		}
		log.Printf("current schema version: %d%s", version, suffix)

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: migrate [-config config.yaml] <up|down|status>")
}
