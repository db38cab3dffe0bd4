// Command migrate manages the database schema from the migrations embedded
// in the postgres repository package.
//
// Usage:
//
//	migrate up           apply all pending migrations
//	migrate down [N]     roll back N migrations (default 1)
//	migrate version      print the current schema version
//	migrate force V      overwrite the recorded version after manual repair
package main

import (
	"database/sql"
	"log"
	"os"
	"strconv"

	"github.com/ignite/clickstock/internal/config"
	"github.com/ignite/clickstock/internal/repository/postgres"

	_ "github.com/lib/pq"
)

func databaseURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	if cfg, err := config.LoadFromEnv("config/config.yaml"); err == nil {
		return cfg.Database.URL
	}
	return ""
}

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: migrate <up|down [N]|version|force V>")
	}

	dsn := databaseURL()
	if dsn == "" {
		log.Fatal("DATABASE_URL is required (env or config/config.yaml)")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	switch os.Args[1] {
	case "up":
		if err := postgres.Migrate(db); err != nil {
			log.Fatalf("up: %v", err)
		}
		log.Println("Migrations applied")

	case "down":
		steps := 1
		if len(os.Args) > 2 {
			steps, err = strconv.Atoi(os.Args[2])
			if err != nil || steps < 1 {
				log.Fatalf("down: invalid step count %q", os.Args[2])
			}
		}
		if err := postgres.MigrateDown(db, steps); err != nil {
			log.Fatalf("down: %v", err)
		}
		log.Printf("Rolled back %d migration(s)", steps)

	case "version":
		v, dirty, err := postgres.MigrateVersion(db)
		if err != nil {
			log.Fatalf("version: %v", err)
		}
		if v == 0 {
			log.Println("Schema version: none (no migrations applied)")
		} else if dirty {
			log.Printf("Schema version: %d (DIRTY; repair and run 'migrate force %d')", v, v)
		} else {
			log.Printf("Schema version: %d", v)
		}

	case "force":
		if len(os.Args) < 3 {
			log.Fatal("force: version argument required")
		}
		v, err := strconv.Atoi(os.Args[2])
		if err != nil || v < 0 {
			log.Fatalf("force: invalid version %q", os.Args[2])
		}
		if err := postgres.MigrateForce(db, v); err != nil {
			log.Fatalf("force: %v", err)
		}
		log.Printf("Schema version forced to %d", v)

	default:
		log.Fatalf("unknown command %q (want up, down, version or force)", os.Args[1])
	}
}
