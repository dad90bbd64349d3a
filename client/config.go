package client

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/health"
	"github.com/jonwraymond/objectcache/observe"
	"github.com/jonwraymond/objectcache/query"
	"github.com/jonwraymond/objectcache/remote"
)

// Config configures a Client.
type Config struct {
	// Policy controls how long unsubscribed queries stay warm and how
	// often a subscribe may refetch.
	Policy cache.Policy `yaml:"policy"`

	Resilience remote.ResilienceConfig `yaml:"resilience"`
	Observe    observe.Config          `yaml:"observe"`

	// PageSize is the default list page size.
	PageSize int `yaml:"page_size"`

	// Development reports malformed where clauses as errors instead of
	// treating them as possible matches.
	Development bool `yaml:"development"`

	// StreamURL is the websocket endpoint for list stream updates. Empty
	// disables streaming unless a subscriber is passed with WithStreams.
	StreamURL string `yaml:"stream_url"`

	Health health.StoreCheckerConfig `yaml:"health"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Policy:     cache.DefaultPolicy(),
		Resilience: remote.DefaultResilienceConfig(),
		Observe:    observe.DefaultConfig(),
		PageSize:   query.DefaultPageSize,
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.PageSize < 0 {
		return fmt.Errorf("%w: page_size must not be negative", ErrInvalidConfig)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: policy: %w", ErrInvalidConfig, err)
	}
	if err := c.Resilience.Validate(); err != nil {
		return fmt.Errorf("%w: resilience: %w", ErrInvalidConfig, err)
	}
	if err := c.Observe.Validate(); err != nil {
		return fmt.Errorf("%w: observe: %w", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig reads a YAML config file. Fields absent from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("client: read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes YAML config bytes after expanding ${VAR} references.
func ParseConfig(raw []byte) (Config, error) {
	expanded, err := expandEnvStrict(string(raw))
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
