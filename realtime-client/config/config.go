package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the on-disk configuration of the watch client. Command line flags
// override every field.
type Config struct {
	URL        string   `toml:"url"`
	APIURL     string   `toml:"api_url"`
	Token      string   `toml:"token"`
	UserID     string   `toml:"user_id"`
	Focus      string   `toml:"focus"`
	Documents  []string `toml:"documents"`
	MinBackoff Duration `toml:"min_backoff"`
	MaxBackoff Duration `toml:"max_backoff"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func Default() *Config {
	return &Config{
		URL:        "ws://localhost:8080/realtime",
		APIURL:     "http://localhost:3000",
		MinBackoff: Duration{time.Second},
		MaxBackoff: Duration{30 * time.Second},
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.MinBackoff.Duration <= 0 || c.MaxBackoff.Duration < c.MinBackoff.Duration {
		return fmt.Errorf("invalid backoff %s..%s", c.MinBackoff, c.MaxBackoff)
	}
	return nil
}
