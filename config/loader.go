package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// durationFields lists the config paths that accept duration strings ("2s", "1d")
var durationFields = [][]string{
	{"nats", "reconnect_wait"},
	{"nats", "connect_timeout"},
	{"nats", "ping_interval"},
	{"nats", "max_backoff"},
	{"nats", "metrics_interval"},
	{"websocket", "handshake_timeout"},
	{"websocket", "request_timeout"},
	{"websocket", "ping_interval"},
	{"retry", "initial_delay"},
	{"retry", "max_delay"},
	{"retry", "exhaustion_backoff"},
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  "RUMPY",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables Config.Validate after loading.
// Schema checks of each layer always run.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every file layer and environment overrides
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, err
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged = deepMergeMaps(merged, raw)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, err
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw reads one JSON or YAML layer, checks it against the schema and
// converts duration strings to nanoseconds.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := validateDepth(raw, 0); err != nil {
		return nil, err
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings at the known paths to nanoseconds
func parseDurations(data map[string]any) error {
	for _, path := range durationFields {
		section, ok := data[path[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[path[1]].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return invalid("%s.%s: %v", path[0], path[1], err)
		}
		section[path[1]] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, invalid("decode merged config: %v", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies RUMPY_* environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"_BOT_NAME":          &cfg.Bot.Name,
		"_BOT_IDENTITY":      &cfg.Bot.Identity,
		"_BOT_PASSWORD":      &cfg.Bot.Password,
		"_TRANSPORT_TYPE":    &cfg.Transport.Type,
		"_TRANSPORT_PREFIX":  &cfg.Transport.Prefix,
		"_NATS_USERNAME":     &cfg.NATS.Username,
		"_NATS_PASSWORD":     &cfg.NATS.Password,
		"_NATS_TOKEN":        &cfg.NATS.Token,
		"_WEBSOCKET_URL":     &cfg.WebSocket.URL,
		"_STORE_TYPE":        &cfg.Store.Type,
		"_STORE_BUCKET":      &cfg.Store.Bucket,
		"_LOG_LEVEL":         &cfg.Log.Level,
		"_LOG_FORMAT":        &cfg.Log.Format,
		"_LOG_FILE":          &cfg.Log.File,
		"_METRICS_ADDRESS":   &cfg.Metrics.Address,
		"_DAEMON_PID_FILE":   &cfg.Daemon.PidFile,
		"_MESSAGES_STRANGER": &cfg.Messages.Stranger,
	}
	for suffix, dst := range strs {
		if val := os.Getenv(l.envPrefix + suffix); val != "" {
			if len(val) > maxEnvVarLen {
				return invalid("%s%s exceeds %d bytes", l.envPrefix, suffix, maxEnvVarLen)
			}
			*dst = val
		}
	}

	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_METRICS_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return invalid("%s_METRICS_ENABLED: %v", l.envPrefix, err)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}
