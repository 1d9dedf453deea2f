package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxConfigSize = 1 << 20 // 1MB max config file size
	maxDepth      = 32      // Maximum nesting depth of a config document
	maxEnvVarLen  = 10000   // Maximum environment variable value length
	maxPathLen    = 4096    // Maximum file path length
)

// validateConfigPath checks the path length and extension
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("empty config path")
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return nil
	default:
		return fmt.Errorf("only JSON or YAML config files allowed: %s", path)
	}
}

// safeReadFile reads a config file after validating its path and size
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path is a directory: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d > %d bytes", info.Size(), maxConfigSize)
	}

	return os.ReadFile(filepath.Clean(path))
}

// validateDepth rejects documents nested deeper than maxDepth
func validateDepth(v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("config nesting exceeds %d levels", maxDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if err := validateDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := validateDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
