package jobqueue

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BatchManifest describes several jobs to enqueue at once.
//
//	version: "1.0"
//	kind: backtest
//	exchange: bybit
//	jobs:
//	  - name: btc-grid
//	    config: configs/btc.json
//	    args: "--start_date 2024-01-01"
type BatchManifest struct {
	Version  string       `yaml:"version"`
	Kind     string       `yaml:"kind"`
	Exchange string       `yaml:"exchange,omitempty"`
	Jobs     []BatchEntry `yaml:"jobs"`
}

// BatchEntry is one job in a BatchManifest. Exchange overrides the manifest default.
type BatchEntry struct {
	Name     string `yaml:"name,omitempty"`
	Config   string `yaml:"config"`
	Args     string `yaml:"args,omitempty"`
	Exchange string `yaml:"exchange,omitempty"`
}

// LoadBatchManifest reads and validates a manifest. Relative config paths are
// resolved against the manifest's directory.
func LoadBatchManifest(path string) (*BatchManifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch manifest: %w", err)
	}

	var m BatchManifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse batch manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for i := range m.Jobs {
		cfg := strings.TrimSpace(m.Jobs[i].Config)
		if !filepath.IsAbs(cfg) {
			cfg = filepath.Join(base, cfg)
		}
		m.Jobs[i].Config = cfg
	}
	return &m, nil
}

func (m *BatchManifest) Validate() error {
	if strings.TrimSpace(m.Kind) == "" {
		return fmt.Errorf("batch manifest: kind is required")
	}
	if len(m.Jobs) == 0 {
		return fmt.Errorf("batch manifest: at least one job is required")
	}
	for i, j := range m.Jobs {
		if strings.TrimSpace(j.Config) == "" {
			return fmt.Errorf("batch manifest: jobs[%d].config is required", i)
		}
	}
	return nil
}

// Enqueue adds one job per manifest entry and returns them in manifest order.
// Entries whose config file is missing are rejected before anything is written.
func (m *BatchManifest) Enqueue(store *Store) ([]Job, error) {
	for i, entry := range m.Jobs {
		if _, err := os.Stat(entry.Config); err != nil {
			return nil, fmt.Errorf("jobs[%d]: config not found: %s", i, entry.Config)
		}
	}

	out := make([]Job, 0, len(m.Jobs))
	for _, entry := range m.Jobs {
		exchange := entry.Exchange
		if exchange == "" {
			exchange = m.Exchange
		}
		job := store.NewJob(m.Kind, entry.Name, entry.Config, entry.Args, exchange)
		if err := store.Add(job); err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}
