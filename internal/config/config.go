package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TranscriptPolling controls the resolution watcher's transcript scans.
type TranscriptPolling struct {
	Enabled                 bool `json:"enabled"`
	IntervalMs              int  `json:"intervalMs"`
	EnableMtimeOptimization bool `json:"enableMtimeOptimization"`
}

// HookTimeouts holds the per-hook client-side timeouts, in seconds. They are
// advertised to the host's hook configuration by `claude-afk setup`.
type HookTimeouts struct {
	PermissionRequest int `json:"permissionRequest"`
	Stop              int `json:"stop"`
}

// Config holds user options from config.json. Durations are in seconds unless
// the field name says otherwise.
type Config struct {
	AlwaysEnabled              bool              `json:"alwaysEnabled"`
	RetryInterval              int               `json:"retryInterval"`
	MaxRetries                 int               `json:"maxRetries"`
	PermissionTimeout          int               `json:"permissionTimeout"`
	StopFollowupTimeout        int               `json:"stopFollowupTimeout"`
	StaleUpdateThreshold       int               `json:"staleUpdateThreshold"`
	PollingInterval            int               `json:"pollingInterval"`
	AllowSinglePendingFallback bool              `json:"allowSinglePendingFallback"`
	BulkApprovalTools          []string          `json:"bulkApprovalTools"`
	TranscriptPolling          TranscriptPolling `json:"transcriptPolling"`
	HookTimeouts               HookTimeouts      `json:"hookTimeouts"`
	LogLevel                   string            `json:"logLevel"`
}

func DefaultConfig() *Config {
	return &Config{
		AlwaysEnabled:              false,
		RetryInterval:              30,
		MaxRetries:                 3,
		PermissionTimeout:          3600,
		StopFollowupTimeout:        3600,
		StaleUpdateThreshold:       300,
		PollingInterval:            2,
		AllowSinglePendingFallback: true,
		BulkApprovalTools:          []string{"Bash", "Edit", "Write"},
		TranscriptPolling: TranscriptPolling{
			Enabled:                 true,
			IntervalMs:              3000,
			EnableMtimeOptimization: true,
		},
		HookTimeouts: HookTimeouts{
			PermissionRequest: 3600,
			Stop:              3600,
		},
		LogLevel: "info",
	}
}

// Load reads config.json and deep-merges it into the defaults: nested objects
// merge recursively, arrays and primitives replace. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var overlay map[string]any
	if err := json.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	base, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	merged := DeepMerge(base, overlay)

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	final := DefaultConfig()
	if err := json.Unmarshal(out, final); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	return final, nil
}

// Save writes the config as pretty-printed JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	return AtomicWriteFile(path, data, 0600)
}

// DeepMerge merges overlay into base recursively. Both inputs are left
// untouched; only map values merge, anything else in the overlay wins.
func DeepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = DeepMerge(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func toMap(c *Config) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal defaults: %w", err)
	}
	return m, nil
}

// RetryIntervalDuration returns the pause before a hook re-sends a
// permission request after a timeout_retry verdict.
func (c *Config) RetryIntervalDuration() time.Duration {
	return time.Duration(c.RetryInterval) * time.Second
}

// PermissionTimeoutDuration returns the per-request permission timeout.
func (c *Config) PermissionTimeoutDuration() time.Duration {
	return time.Duration(c.PermissionTimeout) * time.Second
}

// StopTimeoutDuration returns the per-request stop-followup timeout.
func (c *Config) StopTimeoutDuration() time.Duration {
	return time.Duration(c.StopFollowupTimeout) * time.Second
}

// PollIntervalDuration returns the Telegram update polling interval.
func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}

// ScanIntervalDuration returns the transcript scan interval.
func (c *Config) ScanIntervalDuration() time.Duration {
	return time.Duration(c.TranscriptPolling.IntervalMs) * time.Millisecond
}

// IsBulkApprovalTool reports whether tool may receive an "all" verdict.
func (c *Config) IsBulkApprovalTool(tool string) bool {
	for _, t := range c.BulkApprovalTools {
		if t == tool {
			return true
		}
	}
	return false
}
