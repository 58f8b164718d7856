package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is the persistent application configuration
type Config struct {
	// Inference providers
	Providers ProviderConfig `json:"providers"`

	// Embedding service
	Embedding EmbeddingConfig `json:"embedding"`

	// Reverse geocoding service
	Geocoding GeocodingConfig `json:"geocoding"`

	// Pipeline behavior
	Pipeline PipelineConfig `json:"pipeline"`

	// Fusion funnel thresholds
	Fusion FusionConfig `json:"fusion"`

	// HTTP API
	API APIConfig `json:"api"`

	// Intake feed URLs
	Feeds []FeedConfig `json:"feeds"`
}

// ProviderConfig holds inference provider settings
type ProviderConfig struct {
	Claude ProviderSettings `json:"claude"`
	OpenAI ProviderSettings `json:"openai"`
	Ollama ProviderSettings `json:"ollama"`
}

// ProviderSettings for a single inference provider
type ProviderSettings struct {
	Enabled  bool   `json:"enabled"`
	APIKey   string `json:"api_key,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // For Ollama or custom endpoints
	Model    string `json:"model,omitempty"`
	Priority int    `json:"priority"` // Lower = higher priority for fallback
}

// EmbeddingConfig holds embedding service settings
type EmbeddingConfig struct {
	Provider   string `json:"provider"` // "ollama" or "jina"
	Endpoint   string `json:"endpoint,omitempty"`
	Model      string `json:"model,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Dimensions int    `json:"dimensions"`
}

// GeocodingConfig holds reverse geocoding settings
type GeocodingConfig struct {
	Endpoint  string `json:"endpoint"`
	TimeoutMs int    `json:"timeout_ms"`
}

// PipelineConfig holds orchestrator settings
type PipelineConfig struct {
	MaxAttempts    int `json:"max_attempts"`     // Attempts per stage, fallback on the last
	StageTimeoutMs int `json:"stage_timeout_ms"` // Per capability call
	Workers        int `json:"workers"`          // Concurrent pipeline runs

	// Coordinate probe region of interest
	Region RegionConfig `json:"region"`

	// Movement probe ceiling
	MaxGroundSpeedKmh float64 `json:"max_ground_speed_kmh"`
}

// RegionConfig is the bounding region plus expected country codes for the
// coordinate plausibility probe.
type RegionConfig struct {
	MinLat    float64  `json:"min_lat"`
	MaxLat    float64  `json:"max_lat"`
	MinLon    float64  `json:"min_lon"`
	MaxLon    float64  `json:"max_lon"`
	Countries []string `json:"countries"` // ISO 3166-1 alpha-2, lowercase
}

// FusionConfig holds dedup funnel thresholds
type FusionConfig struct {
	TemporalWindowHours float64 `json:"temporal_window_hours"`
	SimilarityFloor     float64 `json:"similarity_floor"`
	SpatialCeilingKm    float64 `json:"spatial_ceiling_km"`
	WideSimilarity      float64 `json:"wide_similarity"`
	WideCeilingKm       float64 `json:"wide_ceiling_km"`
	CandidateK          int     `json:"candidate_k"` // HNSW neighbors per subject
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Listen string `json:"listen"`
}

// FeedConfig is one intake feed
type FeedConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Providers: ProviderConfig{
			Claude: ProviderSettings{
				Enabled:  true,
				Priority: 1,
				Model:    "claude-sonnet-4-5-20250929",
			},
			OpenAI: ProviderSettings{
				Enabled:  false,
				Priority: 2,
				Model:    "gpt-5.2",
			},
			Ollama: ProviderSettings{
				Enabled:  false,
				Priority: 3,
				Endpoint: "http://localhost:11434",
			},
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Endpoint:   "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Geocoding: GeocodingConfig{
			Endpoint:  "https://nominatim.openstreetmap.org",
			TimeoutMs: 5000,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    3,
			StageTimeoutMs: 60000,
			Workers:        4,
			Region: RegionConfig{
				// Theatre of interest: Ukraine and border areas
				MinLat:    43.0,
				MaxLat:    53.5,
				MinLon:    22.0,
				MaxLon:    41.0,
				Countries: []string{"ua", "ru"},
			},
			MaxGroundSpeedKmh: 120,
		},
		Fusion: FusionConfig{
			TemporalWindowHours: 96,
			SimilarityFloor:     0.55,
			SpatialCeilingKm:    150,
			WideSimilarity:      0.93,
			WideCeilingKm:       5000,
			CandidateK:          32,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8090",
		},
	}
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".eventline", "config.json")
}

// Load reads config from disk, or returns defaults
func Load() (*Config, error) {
	path := ConfigPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.AutoPopulateFromEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), nil
	}

	cfg.AutoPopulateFromEnv()
	return &cfg, nil
}

// Save writes config to disk
func (c *Config) Save() error {
	path := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600) // Restrictive permissions for API keys
}

// AutoPopulateFromEnv fills in API keys from environment variables
func (c *Config) AutoPopulateFromEnv() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Providers.Claude.APIKey = key
		c.Providers.Claude.Enabled = true
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("JINA_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
}
