package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	ThreadID string `json:"thread_id"`
	Server   struct {
		URL   string `json:"url"`
		Token string `json:"token" secret:"true"`
	} `json:"server"`
	Reconnect struct {
		BaseDelayMS int     `json:"base_delay_ms"`
		Factor      float64 `json:"factor"`
		MaxDelayMS  int     `json:"max_delay_ms"`
		Jitter      float64 `json:"jitter"`
		MaxAttempts int     `json:"max_attempts"`
	} `json:"reconnect"`
	Heartbeat struct {
		IntervalMS        int `json:"interval_ms"`
		DegradedLatencyMS int `json:"degraded_latency_ms"`
		DegradedErrors    int `json:"degraded_errors"`
	} `json:"heartbeat"`
	Stream struct {
		ReorderWindow    int `json:"reorder_window"`
		ToolResultWindow int `json:"tool_result_window"`
		AckTimeoutMS     int `json:"ack_timeout_ms"`
	} `json:"stream"`
	Store struct {
		Backend string `json:"backend"`
	} `json:"store"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

// Default returns the configuration written on first load.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".deskmate"),
		LogLevel: "info",
	}
	cfg.Server.URL = "ws://127.0.0.1:8765/ws"
	cfg.Reconnect.BaseDelayMS = 500
	cfg.Reconnect.Factor = 2
	cfg.Reconnect.MaxDelayMS = 30000
	cfg.Reconnect.Jitter = 0.2
	cfg.Reconnect.MaxAttempts = 6
	cfg.Heartbeat.IntervalMS = 15000
	cfg.Heartbeat.DegradedLatencyMS = 2000
	cfg.Heartbeat.DegradedErrors = 3
	cfg.Stream.ReorderWindow = 32
	cfg.Stream.ToolResultWindow = 16
	cfg.Stream.AckTimeoutMS = 30000
	cfg.Store.Backend = "file"
	cfg.HTTP.Listen = "127.0.0.1:8766"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if url := os.Getenv("DESKMATE_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if token := os.Getenv("DESKMATE_TOKEN"); token != "" {
		cfg.Server.Token = token
	}
	if level := os.Getenv("DESKMATE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Save writes cfg to path as indented JSON via a temp file and rename.
func Save(path string, cfg *Config) error {
	return writeJSON(path, cfg)
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.Reconnect.BaseDelayMS) * time.Millisecond
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Reconnect.MaxDelayMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalMS) * time.Millisecond
}

func (c *Config) DegradedLatency() time.Duration {
	return time.Duration(c.Heartbeat.DegradedLatencyMS) * time.Millisecond
}

func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Stream.AckTimeoutMS) * time.Millisecond
}

// PromptsPath is where named prompts are kept.
func (c *Config) PromptsPath() string {
	return filepath.Join(c.DataDir, "prompts.json")
}

// LogPath is where the terminal client sends its logs.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "deskmate.log")
}

// ToMap converts cfg to its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every config value keyed by dot path, with secrets
// masked when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-path key straight from the file at path.
func GetValue(path, key string) (any, error) {
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets one dot-path key in the file at path. Known keys are
// parsed into their field's type; unknown keys are accepted as given.
func SetValue(path, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("empty config key")
	}
	flat, err := readFlat(path)
	if err != nil {
		return err
	}

	parsed, err := ParseValue(key, value)
	if err != nil {
		return err
	}
	flat[key] = parsed

	return writeJSON(path, Unflatten(flat))
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
