package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/sceneforge/sceneforge/internal/credentials"
)

// upstreamtoken stores a freshly captured provider bearer token so running
// services pick it up on their next upstream call.
func main() {
	_ = godotenv.Load()

	var tokenFlag string
	flag.StringVar(&tokenFlag, "token", "", "bearer token for the clip provider (falls back to UPSTREAM_TOKEN)")
	flag.Parse()

	token := strings.TrimSpace(tokenFlag)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("UPSTREAM_TOKEN"))
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "a token is required via -token or UPSTREAM_TOKEN")
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := credentials.NewStore(pool, "")
	if err := store.SetToken(ctx, token); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("upstream token stored")
}
