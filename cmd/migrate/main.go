// Command migrate runs the Job Repository's schema migration against the
// configured Postgres database and exits. Split out from orchestrctl so a
// deploy pipeline can run migrations as a separate step ahead of rolling
// out new orchestrator replicas.
package main

import (
	"fmt"
	"os"

	"sidequest/configs"
	"sidequest/pkg/storage/postgres"
)

func main() {
	cfg := config.LoadConfig()

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)

	store, err := postgres.New(dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	fmt.Println("migrate: jobs table is up to date")
}
