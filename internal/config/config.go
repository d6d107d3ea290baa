// Package config loads the harness's run configuration: environment
// variables first, with an optional JSON or HCL file overlay on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rhovanion/proxytester/internal/logger"
)

// Config is the full set of tunables the harness needs for one run.
type Config struct {
	CorePath          string // XRAY_PATH; path to the proxy-core executable, required
	SourceFile        string // path to the JSON candidate list
	DataDir           string // PROXY_DATA_DIR; results are written under <DataDir>/working_json
	ConfigDir         string // PROXY_CONFIG_DIR; scratch directory for generated core configs
	LogDir            string // PROXY_LOG_DIR
	MaxWorkers        int
	BatchSize         int
	IncrementalSave   bool
	Timeout           time.Duration
	ReadyWait         time.Duration
	GraceTimeout      time.Duration
	StartPort         int
	EndPort           int
	MaxMemoryMB       int
	ProbeURL          string
	EnableMetrics     bool
	MetricsPort       int
	MetricsAuthSecret string // PROXY_METRICS_AUTH_SECRET; empty disables bearer auth on /metrics
}

// Default returns a Config populated with the harness's baseline defaults,
// the same values enhanced-proxy-tester.go's NewEnhancedConfig seeds before
// applying environment overrides.
func Default() *Config {
	return &Config{
		CorePath:        "",
		SourceFile:      "candidates.json",
		DataDir:         "./data",
		ConfigDir:       "./config",
		LogDir:          "./log",
		MaxWorkers:      100,
		BatchSize:       100,
		IncrementalSave: true,
		Timeout:         3 * time.Second,
		ReadyWait:       2 * time.Second,
		GraceTimeout:    5 * time.Second,
		StartPort:       10000,
		EndPort:         20000,
		MaxMemoryMB:     1024,
		ProbeURL:        "http://www.gstatic.com/generate_204",
		EnableMetrics:   false,
		MetricsPort:     8080,
	}
}

// ResultsDir is where batch result files are written: <DataDir>/working_json.
func (c *Config) ResultsDir() string {
	return filepath.Join(c.DataDir, "working_json")
}

// Load builds a Config starting from the baseline defaults, overlays a
// .json or .hcl file if configPath is non-empty, then applies environment
// variables on top — env vars always win over the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
		case ".json":
			if err := loadJSON(configPath, cfg); err != nil {
				return nil, err
			}
		case ".hcl":
			if err := loadHCL(configPath, cfg); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("config: unsupported config file format %q", ext)
		}
	}

	loadFromEnv(cfg)
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("XRAY_PATH"); v != "" {
		cfg.CorePath = v
	}
	if v := os.Getenv("PROXY_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		} else {
			logger.Warn("config: invalid PROXY_MAX_WORKERS %q: %v", v, err)
		}
	}
	if v := os.Getenv("PROXY_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timeout = time.Duration(n) * time.Second
		} else {
			logger.Warn("config: invalid PROXY_TIMEOUT %q: %v", v, err)
		}
	}
	if v := os.Getenv("PROXY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("PROXY_INCREMENTAL_SAVE"); v != "" {
		cfg.IncrementalSave = v == "true" || v == "1"
	}
	if v := os.Getenv("PROXY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PROXY_CONFIG_DIR"); v != "" {
		cfg.ConfigDir = v
	}
	if v := os.Getenv("PROXY_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("PROXY_START_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StartPort = n
		}
	}
	if v := os.Getenv("PROXY_END_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EndPort = n
		}
	}
	if v := os.Getenv("PROXY_MAX_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxMemoryMB = n
		}
	}
	if v := os.Getenv("PROXY_ENABLE_METRICS"); v != "" {
		cfg.EnableMetrics = v == "true" || v == "1"
	}
	if v := os.Getenv("PROXY_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = n
		}
	}
	if v := os.Getenv("PROXY_PROBE_URL"); v != "" {
		cfg.ProbeURL = v
	}
	if v := os.Getenv("PROXY_METRICS_AUTH_SECRET"); v != "" {
		cfg.MetricsAuthSecret = v
	}
}

func loadJSON(path string, cfg *Config) error {
	cleanPath := filepath.Clean(path)
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", cleanPath, err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Error("config: closing %s: %v", cleanPath, err)
		}
	}()

	var overlay map[string]any
	if err := json.NewDecoder(file).Decode(&overlay); err != nil {
		return fmt.Errorf("config: decode %s: %w", cleanPath, err)
	}
	applyOverlay(cfg, overlay)
	return nil
}

func applyOverlay(cfg *Config, overlay map[string]any) {
	if v, ok := overlay["xray_path"].(string); ok {
		cfg.CorePath = v
	}
	if v, ok := overlay["source_file"].(string); ok {
		cfg.SourceFile = v
	}
	if v, ok := overlay["data_dir"].(string); ok {
		cfg.DataDir = v
	}
	if v, ok := overlay["config_dir"].(string); ok {
		cfg.ConfigDir = v
	}
	if v, ok := overlay["log_dir"].(string); ok {
		cfg.LogDir = v
	}
	if v, ok := overlay["max_workers"].(float64); ok {
		cfg.MaxWorkers = int(v)
	}
	if v, ok := overlay["batch_size"].(float64); ok {
		cfg.BatchSize = int(v)
	}
	if v, ok := overlay["incremental_save"].(bool); ok {
		cfg.IncrementalSave = v
	}
	if v, ok := overlay["timeout_seconds"].(float64); ok {
		cfg.Timeout = time.Duration(v) * time.Second
	}
	if v, ok := overlay["start_port"].(float64); ok {
		cfg.StartPort = int(v)
	}
	if v, ok := overlay["end_port"].(float64); ok {
		cfg.EndPort = int(v)
	}
	if v, ok := overlay["max_memory_mb"].(float64); ok {
		cfg.MaxMemoryMB = int(v)
	}
	if v, ok := overlay["probe_url"].(string); ok {
		cfg.ProbeURL = v
	}
	if v, ok := overlay["enable_metrics"].(bool); ok {
		cfg.EnableMetrics = v
	}
	if v, ok := overlay["metrics_port"].(float64); ok {
		cfg.MetricsPort = int(v)
	}
}
