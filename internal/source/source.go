// Package source loads the candidate ProxyConfig records the harness is
// asked to test. It is the boundary between whatever external collector
// produced the candidate list and the rest of the harness: a JSON array
// of ProxyConfig on disk in, a []model.ProxyConfig out.
package source

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rhovanion/proxytester/internal/model"
)

// LoadFile reads a JSON array of model.ProxyConfig from path.
func LoadFile(path string) ([]model.ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("source: read %s: %w", path, err)
	}

	var configs []model.ProxyConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("source: parse %s: %w", path, err)
	}
	return validate(configs)
}

func validate(configs []model.ProxyConfig) ([]model.ProxyConfig, error) {
	for i, c := range configs {
		if c.Server == "" {
			return nil, fmt.Errorf("source: entry %d missing server", i)
		}
		switch c.Type {
		case model.ProtocolVMess, model.ProtocolShadowsocks, model.ProtocolTrojan,
			model.ProtocolVLESS, model.ProtocolSocks, model.ProtocolHTTP:
		default:
			return nil, fmt.Errorf("source: entry %d has unsupported type %q", i, c.Type)
		}
		if configs[i].Tag == "" {
			configs[i].Tag = fmt.Sprintf("%s-%d", c.Type, i)
		}
	}
	return configs, nil
}

// Batches splits configs into chunks of at most size, preserving order.
// A size <= 0 returns a single batch containing every config.
func Batches(configs []model.ProxyConfig, size int) [][]model.ProxyConfig {
	if size <= 0 || size >= len(configs) {
		if len(configs) == 0 {
			return nil
		}
		return [][]model.ProxyConfig{configs}
	}

	var batches [][]model.ProxyConfig
	for start := 0; start < len(configs); start += size {
		end := start + size
		if end > len(configs) {
			end = len(configs)
		}
		batches = append(batches, configs[start:end])
	}
	return batches
}
