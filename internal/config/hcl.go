package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/mattn/go-isatty"
)

// hclDocument mirrors the JSON overlay's fields in HCL attribute syntax so
// a run configuration can be hand-edited in either format.
type hclDocument struct {
	XrayPath        string `hcl:"xray_path,optional"`
	SourceFile      string `hcl:"source_file,optional"`
	DataDir         string `hcl:"data_dir,optional"`
	ConfigDir       string `hcl:"config_dir,optional"`
	LogDir          string `hcl:"log_dir,optional"`
	MaxWorkers      *int   `hcl:"max_workers,optional"`
	BatchSize       *int   `hcl:"batch_size,optional"`
	IncrementalSave *bool  `hcl:"incremental_save,optional"`
	TimeoutSecs     *int   `hcl:"timeout_seconds,optional"`
	StartPort       *int   `hcl:"start_port,optional"`
	EndPort         *int   `hcl:"end_port,optional"`
	MaxMemoryMB     *int   `hcl:"max_memory_mb,optional"`
	ProbeURL        string `hcl:"probe_url,optional"`
	EnableMetrics   *bool  `hcl:"enable_metrics,optional"`
	MetricsPort     *int   `hcl:"metrics_port,optional"`
}

func loadHCL(path string, cfg *Config) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		writeDiagnostics(parser, diags)
		return fmt.Errorf("config: parse %s: %d error(s)", path, len(diags.Errs()))
	}

	var doc hclDocument
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		writeDiagnostics(parser, diags)
		return fmt.Errorf("config: decode %s: %d error(s)", path, len(diags.Errs()))
	}

	applyHCLDocument(cfg, doc)
	return nil
}

func applyHCLDocument(cfg *Config, doc hclDocument) {
	if doc.XrayPath != "" {
		cfg.CorePath = doc.XrayPath
	}
	if doc.SourceFile != "" {
		cfg.SourceFile = doc.SourceFile
	}
	if doc.DataDir != "" {
		cfg.DataDir = doc.DataDir
	}
	if doc.ConfigDir != "" {
		cfg.ConfigDir = doc.ConfigDir
	}
	if doc.LogDir != "" {
		cfg.LogDir = doc.LogDir
	}
	if doc.MaxWorkers != nil {
		cfg.MaxWorkers = *doc.MaxWorkers
	}
	if doc.BatchSize != nil {
		cfg.BatchSize = *doc.BatchSize
	}
	if doc.IncrementalSave != nil {
		cfg.IncrementalSave = *doc.IncrementalSave
	}
	if doc.TimeoutSecs != nil {
		cfg.Timeout = time.Duration(*doc.TimeoutSecs) * time.Second
	}
	if doc.StartPort != nil {
		cfg.StartPort = *doc.StartPort
	}
	if doc.EndPort != nil {
		cfg.EndPort = *doc.EndPort
	}
	if doc.MaxMemoryMB != nil {
		cfg.MaxMemoryMB = *doc.MaxMemoryMB
	}
	if doc.ProbeURL != "" {
		cfg.ProbeURL = doc.ProbeURL
	}
	if doc.EnableMetrics != nil {
		cfg.EnableMetrics = *doc.EnableMetrics
	}
	if doc.MetricsPort != nil {
		cfg.MetricsPort = *doc.MetricsPort
	}
}

// writeDiagnostics prints HCL parse/decode diagnostics to stderr, with
// color and word-wrapping at 78 columns when stderr is a terminal.
func writeDiagnostics(parser *hclparse.Parser, diags hcl.Diagnostics) {
	color := isatty.IsTerminal(os.Stderr.Fd())
	width := uint(0)
	if color {
		width = 78
	}
	writer := hcl.NewDiagnosticTextWriter(os.Stderr, parser.Files(), width, color)
	_ = writer.WriteDiagnostics(diags)
}
