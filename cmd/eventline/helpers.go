package main

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/abelbrown/eventline/internal/config"
	"github.com/abelbrown/eventline/internal/embed"
	"github.com/abelbrown/eventline/internal/fusion"
	"github.com/abelbrown/eventline/internal/geocode"
	"github.com/abelbrown/eventline/internal/infer"
	"github.com/abelbrown/eventline/internal/pipeline"
	"github.com/abelbrown/eventline/internal/probe"
	"github.com/abelbrown/eventline/internal/scoring"
	"github.com/abelbrown/eventline/internal/store"
	"github.com/abelbrown/eventline/internal/telemetry"
)

// dataDir returns ~/.eventline/, creating it if needed.
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("failed to get home directory: %v", err)
	}
	dir := filepath.Join(home, ".eventline")
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}
	return dir
}

// openDB opens the event store or fatals.
func openDB() *store.Store {
	st, err := store.NewStore(filepath.Join(dataDir(), "eventline.db"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	return st
}

// loadConfig loads ~/.eventline/config.json or fatals.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// newCapability builds the provider manager from config. One request
// at a time with headroom keeps us inside every provider's quota.
func newCapability(cfg *config.Config) *infer.Manager {
	m := infer.NewManager(rate.NewLimiter(rate.Every(500*time.Millisecond), 1))
	if c := cfg.Providers.Claude; c.Enabled && c.APIKey != "" {
		m.AddProvider(infer.NewClaudeProvider(c.APIKey, c.Model))
	}
	if c := cfg.Providers.OpenAI; c.Enabled && c.APIKey != "" {
		m.AddProvider(infer.NewOpenAIProvider(c.APIKey, c.Model))
	}
	if c := cfg.Providers.Ollama; c.Enabled {
		m.AddProvider(infer.NewOllamaProvider(c.Endpoint, c.Model))
	}
	return m
}

// newEmbedder builds the configured embedding client, or nil when none
// is usable. The pipeline treats a nil embedder as vector-less intake.
func newEmbedder(cfg *config.Config) embed.Embedder {
	switch cfg.Embedding.Provider {
	case "jina":
		if cfg.Embedding.APIKey == "" {
			return nil
		}
		return embed.NewJinaEmbedder(cfg.Embedding.APIKey, cfg.Embedding.Model)
	case "ollama":
		return embed.NewOllamaEmbedder(cfg.Embedding.Endpoint, cfg.Embedding.Model)
	}
	return nil
}

// buildSystem assembles the full processing system from config.
func buildSystem(cfg *config.Config, st *store.Store, tel *telemetry.Telemetry) (*pipeline.Orchestrator, *fusion.Engine) {
	capability := newCapability(cfg)
	embedder := newEmbedder(cfg)

	geocoder := geocode.NewClient(cfg.Geocoding.Endpoint,
		time.Duration(cfg.Geocoding.TimeoutMs)*time.Millisecond)

	orch := pipeline.NewOrchestrator(capability, st, scoring.New(scoring.DefaultTables()), pipeline.Options{
		Embedder:     embedder,
		Coordinate:   probe.NewCoordinateProbe(cfg.Pipeline.Region, geocoder),
		Movement:     probe.NewMovementProbe(cfg.Pipeline.MaxGroundSpeedKmh),
		Telemetry:    tel,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		StageTimeout: time.Duration(cfg.Pipeline.StageTimeoutMs) * time.Millisecond,
	})
	eng := fusion.NewEngine(st, embedder, fusion.NewJudge(capability), cfg.Fusion, tel)
	return orch, eng
}
