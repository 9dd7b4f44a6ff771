package main

import (
	"flag"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	dsn    = flag.String("dsn", "", "PostgreSQL DSN of the muster queue database")
	dryRun = flag.Bool("dry-run", false, "Print the statements without applying them")
)

// The schema is applied idempotently; re-running the tool is safe.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id  BIGSERIAL PRIMARY KEY,
		label    TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		ip       TEXT,
		status   SMALLINT NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);`,
	`CREATE TABLE IF NOT EXISTS nodes (
		ip      TEXT PRIMARY KEY,
		ncpus   INTEGER,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		cloud   TEXT
	);`,
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Muster Queue Schema Migration")
	log.Println("=============================")

	if *dsn == "" {
		log.Fatal("-dsn is required")
	}
	log.Printf("Dry run: %v", *dryRun)

	if *dryRun {
		for _, stmt := range statements {
			log.Printf("Would apply:\n%s", stmt)
		}
		return
	}

	db, err := sqlx.Connect("postgres", *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			log.Fatalf("Failed to apply statement: %v\n%s", err, stmt)
		}
	}
	log.Println("Schema applied")
}
