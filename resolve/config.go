package resolve

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	syncErrors "github.com/virtuenet/coachsync/errors"
)

// Config declares conflict resolution behavior per entity type. It is
// loaded from a YAML or JSON file at startup; unknown strategy names fail
// at load time rather than silently defaulting.
type Config struct {
	Version string `json:"version" yaml:"version"`

	// DefaultStrategy applies to entity types without an explicit entry.
	DefaultStrategy string `json:"default_strategy" yaml:"default_strategy"`

	// Strategies maps entity type to strategy name.
	Strategies map[string]string `json:"strategies,omitempty" yaml:"strategies,omitempty"`

	// ServerOwnedFields are always taken from the server record under merge
	// (version counters, server-assigned identifiers).
	ServerOwnedFields []string `json:"server_owned_fields,omitempty" yaml:"server_owned_fields,omitempty"`
}

// Validate checks every configured strategy name.
func (c *Config) Validate() error {
	if c.DefaultStrategy != "" {
		if _, err := ParseStrategy(c.DefaultStrategy); err != nil {
			return err
		}
	}
	for entityType, name := range c.Strategies {
		if _, err := ParseStrategy(name); err != nil {
			return syncErrors.NewValidationError(syncErrors.OpResolve,
				fmt.Errorf("entity type %q: unknown strategy %q", entityType, name))
		}
	}
	return nil
}

// Resolver builds a validated Resolver from the configuration.
func (c *Config) Resolver() (*Resolver, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	opts := []ResolverOption{WithServerOwnedFields(c.ServerOwnedFields...)}
	if c.DefaultStrategy != "" {
		opts = append(opts, WithDefaultStrategy(Strategy(c.DefaultStrategy)))
	}
	for entityType, name := range c.Strategies {
		opts = append(opts, WithEntityStrategy(entityType, Strategy(name)))
	}
	return NewResolver(opts...)
}

// LoadConfig reads a strategy configuration file. The format is chosen by
// extension: .yaml/.yml or .json.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpResolve, err)
	}
	defer f.Close()

	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return LoadConfigFromReader(f, "yaml")
	case strings.HasSuffix(path, ".json"):
		return LoadConfigFromReader(f, "json")
	default:
		return nil, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("unsupported config file extension: %s", path))
	}
}

// LoadConfigFromReader parses a configuration from r in the given format
// ("yaml" or "json") and validates it.
func LoadConfigFromReader(r io.Reader, format string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpResolve, err)
	}

	var cfg Config
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, syncErrors.NewSerializationError(syncErrors.OpResolve, err)
		}
	case "json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, syncErrors.NewSerializationError(syncErrors.OpResolve, err)
		}
	default:
		return nil, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("unsupported config format %q", format))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
