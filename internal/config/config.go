package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the daemon configuration. Values come from an optional YAML
// file, overridden by SITESCOPE_* environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	AgentURL    string `yaml:"agent_url"`
	AgentAPIKey string `yaml:"agent_api_key"`

	BrowserImage string `yaml:"browser_image"`

	MaxConcurrentJobs int64         `yaml:"max_concurrent_jobs"`
	CancelGrace       Duration      `yaml:"cancel_grace"`

	CORSOrigins []string `yaml:"cors_origins"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:        ":8080",
		DBPath:            "sitescope.db",
		AgentURL:          "http://localhost:8090",
		BrowserImage:      "chromedp/headless-shell:latest",
		MaxConcurrentJobs: 10,
		CancelGrace:       Duration(5 * time.Second),
		CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
	}
}

// Load reads path when non-empty (a missing explicit file is an error), then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("max_concurrent_jobs must be positive, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.CancelGrace <= 0 {
		return nil, fmt.Errorf("cancel_grace must be positive, got %s", cfg.CancelGrace.Std())
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = getEnv("SITESCOPE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DBPath = getEnv("SITESCOPE_DB_PATH", cfg.DBPath)
	cfg.AgentURL = getEnv("SITESCOPE_AGENT_URL", cfg.AgentURL)
	cfg.AgentAPIKey = getEnv("SITESCOPE_AGENT_API_KEY", cfg.AgentAPIKey)
	cfg.BrowserImage = getEnv("SITESCOPE_BROWSER_IMAGE", cfg.BrowserImage)

	if v := os.Getenv("SITESCOPE_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("SITESCOPE_CANCEL_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CancelGrace = Duration(d)
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
