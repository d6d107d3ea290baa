package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rhovanion/proxytester/internal/admission"
	"github.com/rhovanion/proxytester/internal/batchdriver"
	"github.com/rhovanion/proxytester/internal/config"
	"github.com/rhovanion/proxytester/internal/coreconfig"
	"github.com/rhovanion/proxytester/internal/logger"
	"github.com/rhovanion/proxytester/internal/metrics"
	"github.com/rhovanion/proxytester/internal/model"
	"github.com/rhovanion/proxytester/internal/portmgr"
	"github.com/rhovanion/proxytester/internal/shutdown"
	"github.com/rhovanion/proxytester/internal/source"
	"github.com/rhovanion/proxytester/internal/tester"
	"github.com/rhovanion/proxytester/internal/workerpool"
)

var version string

func main() {
	cfg := parseFlagsAndConfig()
	os.Exit(run(cfg))
}

func parseFlagsAndConfig() *config.Config {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	configPathPtr := flag.String("config", "", "Path to configuration file (.json or .hcl)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("proxytester version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
	}

	logger.Info("Starting proxytester")

	cfg, err := config.Load(*configPathPtr)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	if cfg.CorePath == "" {
		logger.Fatal("No proxy-core path configured (set XRAY_PATH or xray_path in the config file)")
	}

	return cfg
}

// run drives one full batch run and returns the process exit code: 0 on a
// normal finish, 130 if a signal drained or aborted the run, 1 on setup
// failure.
func run(cfg *config.Config) int {
	if err := os.MkdirAll(cfg.ResultsDir(), 0o755); err != nil {
		logger.Error("Failed to create results directory: %v", err)
		return 1
	}
	if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
		logger.Error("Failed to create config directory: %v", err)
		return 1
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		logger.Error("Failed to create log directory: %v", err)
		return 1
	}

	candidates, err := source.LoadFile(cfg.SourceFile)
	if err != nil {
		logger.Error("Failed to load candidates: %v", err)
		return 1
	}
	logger.Info("Loaded %d candidates from %s", len(candidates), cfg.SourceFile)

	ports := portmgr.New(cfg.StartPort, cfg.EndPort)
	adm := admission.New(cfg.MaxMemoryMB, cfg.MaxWorkers)
	collector := metrics.New()

	t := tester.New(tester.Config{
		CorePath:  cfg.CorePath,
		WorkDir:   cfg.ConfigDir,
		ProbeURL:  cfg.ProbeURL,
		Timeout:   cfg.Timeout,
		ReadyWait: cfg.ReadyWait,
	}, ports, coreconfig.Default{})

	pool := workerpool.New(cfg.MaxWorkers)
	pool.Start()

	driver := batchdriver.New(batchdriver.Config{
		ResultsDir:      cfg.ResultsDir(),
		IncrementalSave: cfg.IncrementalSave,
	}, pool, adm, collector, t)

	sup := shutdown.New(context.Background(), cfg.GraceTimeout)

	sampleStop := make(chan struct{})
	go collector.StartSampler(5*time.Second, sampleStop)
	defer close(sampleStop)

	if cfg.EnableMetrics {
		startMetricsServer(cfg, collector)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runBatches(sup.Context(), driver, candidates, cfg.BatchSize)
	}()

	finalState := sup.Watch(done)
	ports.ReleaseAll()
	logger.Info("proxytester finished in state %s", finalState)

	if sup.Signaled() {
		return 130
	}
	return 0
}

func runBatches(ctx context.Context, driver *batchdriver.Driver, candidates []model.ProxyConfig, batchSize int) {
	batches := source.Batches(candidates, batchSize)
	for id, batch := range batches {
		select {
		case <-ctx.Done():
			logger.Warn("runBatches: context cancelled before batch %d, stopping", id)
			return
		default:
		}

		results, err := driver.RunBatch(ctx, batch, id)
		if err != nil {
			logger.Error("batch %d failed: %v", id, err)
			continue
		}

		successful := 0
		for _, r := range results {
			if r.Result == model.ResultSuccess {
				successful++
			}
		}
		logger.Info("batch %d complete: %d/%d successful", id, successful, len(results))
	}
}

func startMetricsServer(cfg *config.Config, collector *metrics.Collector) {
	var secret []byte
	if cfg.MetricsAuthSecret != "" {
		secret = []byte(cfg.MetricsAuthSecret)
	}
	server := metrics.NewServer(collector, secret)

	if len(secret) > 0 {
		token, err := server.IssueToken("proxytester-cli", 24*time.Hour)
		if err != nil {
			logger.Error("metrics: failed to issue bearer token: %v", err)
		} else {
			logger.Info("metrics: bearer token for /metrics and /metrics/stream: %s", token)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.MetricsPort)
	go func() {
		logger.Info("metrics server listening on %s", addr)
		if err := http.ListenAndServe(addr, server.Handler()); err != nil {
			logger.Error("metrics server error: %v", err)
		}
	}()
}

func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
