package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/cklxx/nowhow/internal/config"
	"github.com/cklxx/nowhow/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil && port > 0 {
		cfg.Server.Port = port
	}

	ctx := context.Background()
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}
