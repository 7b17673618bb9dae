// Package config holds the orchestrator configuration. Values come from an
// optional JSON file with sane defaults; the CLI may override single fields.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Gateway configures the remote transfer gateway client.
type Gateway struct {
	BaseURL       string  `json:"base_url"`
	APIKey        string  `json:"api_key,omitempty"`
	TimeoutMS     int     `json:"timeout_ms"`
	MaxAttempts   int     `json:"max_attempts"`
	BackoffBaseMS int     `json:"backoff_base_ms"`
	JitterPct     float64 `json:"jitter_pct"`
}

// Config is the full orchestrator configuration.
type Config struct {
	WorkerConcurrency int     `json:"worker_concurrency"`
	MaxRetries        int     `json:"max_retries"`
	BatchMaxItems     int     `json:"batch_max_items"`
	RetryBaseSeconds  float64 `json:"retry_base_seconds"`
	RetryJitterPct    float64 `json:"retry_jitter_pct"`
	SizeStableSeconds int     `json:"size_stable_seconds"`
	PollInterval      float64 `json:"poll_interval"`
	MoveTemplate      string  `json:"move_template"`

	DownloadsDir string `json:"downloads_dir"`
	MusicDir     string `json:"music_dir"`
	// StateDir defaults to <downloads_dir>/.harmony when empty.
	StateDir string `json:"state_dir,omitempty"`

	ListenAddr string `json:"listen_addr"`

	Gateway Gateway `json:"gateway"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		WorkerConcurrency: 4,
		MaxRetries:        3,
		BatchMaxItems:     500,
		RetryBaseSeconds:  0.5,
		RetryJitterPct:    0.2,
		SizeStableSeconds: 3,
		PollInterval:      0.5,
		MoveTemplate:      "{artist}/{album}/{title}.{extension}",
		DownloadsDir:      "downloads",
		MusicDir:          "music",
		ListenAddr:        ":8085",
		Gateway: Gateway{
			BaseURL:       "http://localhost:5030",
			TimeoutMS:     10_000,
			MaxAttempts:   4,
			BackoffBaseMS: 250,
			JitterPct:     0.2,
		},
	}
}

// Load reads a JSON config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, &Error{Field: "file", Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return cfg, nil
}

// ResolvedStateDir applies the downloads-dir default.
func (c Config) ResolvedStateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(c.DownloadsDir, ".harmony")
}

// Validate checks the enumerated bounds. Unknown move-template placeholders
// are checked by the dedupe manager, which owns the template.
func (c Config) Validate() error {
	switch {
	case c.WorkerConcurrency < 1:
		return &Error{Field: "worker_concurrency", Msg: "must be at least 1"}
	case c.MaxRetries < 1:
		return &Error{Field: "max_retries", Msg: "must be at least 1"}
	case c.BatchMaxItems < 1:
		return &Error{Field: "batch_max_items", Msg: "must be at least 1"}
	case c.RetryBaseSeconds <= 0:
		return &Error{Field: "retry_base_seconds", Msg: "must be positive"}
	case c.RetryJitterPct < 0:
		return &Error{Field: "retry_jitter_pct", Msg: "must not be negative"}
	case c.SizeStableSeconds < 1:
		return &Error{Field: "size_stable_seconds", Msg: "must be at least 1"}
	case c.PollInterval < 0.25:
		return &Error{Field: "poll_interval", Msg: "must be at least 0.25"}
	case c.MoveTemplate == "":
		return &Error{Field: "move_template", Msg: "must not be empty"}
	case c.DownloadsDir == "":
		return &Error{Field: "downloads_dir", Msg: "must not be empty"}
	case c.MusicDir == "":
		return &Error{Field: "music_dir", Msg: "must not be empty"}
	case c.Gateway.BaseURL == "":
		return &Error{Field: "gateway.base_url", Msg: "must not be empty"}
	case c.Gateway.TimeoutMS < 1000:
		return &Error{Field: "gateway.timeout_ms", Msg: "must be at least 1000"}
	case c.Gateway.MaxAttempts < 1:
		return &Error{Field: "gateway.max_attempts", Msg: "must be at least 1"}
	}
	return nil
}

// Error is a fatal configuration error.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}
