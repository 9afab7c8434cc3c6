package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"supportdesk/internal/util"
	"supportdesk/pkg/store"
	"supportdesk/services/support/internal/config"
	"supportdesk/services/support/internal/knowledge"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config.yaml")
	seedPath := flag.String("file", "knowledge.yaml", "path to the knowledge seed file")
	dryRun := flag.Bool("dry-run", false, "parse the seed file without writing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(util.LogConfig{Level: cfg.LogLevel, Service: "seed_knowledge"})

	f, err := os.Open(*seedPath)
	if err != nil {
		util.Fatal("failed to open seed file", "path", *seedPath, "err", err)
	}
	entries, err := knowledge.LoadSeed(f)
	_ = f.Close()
	if err != nil {
		util.Fatal("failed to read seed file", "path", *seedPath, "err", err)
	}
	if *dryRun {
		logger.Info("seed file ok", "entries", len(entries))
		return
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		util.Fatal("seeding requires the postgres store", "storeDriver", cfg.StoreDriver)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}
	var cache redis.UniversalClient
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		cache = client
	}
	kb, err := knowledge.New(knowledge.Config{Store: dataStore, Cache: cache})
	if err != nil {
		util.Fatal("failed to init knowledge service", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	n, err := kb.Import(ctx, entries)
	if err != nil {
		util.Fatal("failed to import knowledge", "err", err)
	}
	logger.Info("knowledge imported", "entries", n, "file", *seedPath)
}
