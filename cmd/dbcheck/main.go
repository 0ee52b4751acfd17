package main

import (
	"context"
	"fmt"
	"os"

	"kidgate/internal/config"
	"kidgate/internal/database"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")

	cfg, err := config.Load(zerolog.Nop())
	if err != nil {
		fmt.Printf("ERROR: Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Checking %s database connection...\n", cfg.Database.Driver)

	db, err := database.New(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		fmt.Printf("ERROR: Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if len(os.Args) > 1 && os.Args[1] == "-migrate" {
		if err := db.RunMigrations(context.Background(), zerolog.New(os.Stdout)); err != nil {
			fmt.Printf("ERROR: Migrations failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Migrations applied\n")
	}

	fmt.Printf("SUCCESS: Database connection OK\n")
}
