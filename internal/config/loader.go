package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Load reads the TOML file at path, expands $ENV references, applies
// defaults for unset fields, and validates the result. A missing file is not
// an error; the defaults are returned so a fresh install works without any
// configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	decoder := toml.NewDecoder(strings.NewReader(expanded))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var details *toml.StrictMissingError
		if errors.As(err, &details) {
			return nil, fmt.Errorf("parse config %s: unknown keys:\n%s", path, details.String())
		}
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
