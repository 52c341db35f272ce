package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars expands ${VAR} and ${VAR:-default}. An unset or empty
// variable without a default expands to the empty string.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[3]
	})
}

// LoadFromFile loads a YAML config file. Placeholders are expanded over the
// whole document before decoding, so sizes and durations can come from the
// environment too. Unknown keys are rejected and unset fields get defaults.
func LoadFromFile(path string) (*Config, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("configuration file must have .yaml or .yml extension, got %q", ext))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	cfg, err := decodeConfig([]byte(interpolateEnvVars(string(data))), path)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}
	return cfg, nil
}

// decodeConfig parses one YAML document into a Config
func decodeConfig(data []byte, path string) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, types.NewError(types.ErrCodeInvalid, "configuration file is empty: "+path)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, types.NewError(types.ErrCodeInvalid, "configuration file has no YAML document: "+path)
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, types.WrapError(types.ErrCodeInvalid,
				fmt.Sprintf("%s: %s", path, strings.Join(typeErr.Errors, "; ")), err)
		}
		return nil, types.WrapError(types.ErrCodeInvalid, "invalid YAML in "+path, err)
	}
	return &cfg, nil
}
