// Package config holds the driver configuration: scenario span, optimizer
// settings, score references, storage and network endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/infra-world/internal/flow"
	"github.com/talgya/infra-world/internal/scoring"
)

var ErrInvalid = errors.New("invalid configuration")

// Optimizer tunes the per-sector flow solve.
type Optimizer struct {
	Mode             flow.Mode     `yaml:"mode"`
	Timeout          time.Duration `yaml:"timeout"`
	Tolerance        float64       `yaml:"tolerance"`
	ShortfallPenalty float64       `yaml:"shortfall_penalty"`
}

// Options converts the settings for flow.Solve.
func (o Optimizer) Options() flow.Options {
	return flow.Options{
		Timeout:          o.Timeout,
		Tolerance:        o.Tolerance,
		ShortfallPenalty: o.ShortfallPenalty,
	}
}

// Demand tunes the per-capita demand model.
type Demand struct {
	BaseLevel   float64 `yaml:"base_level"`
	Variability float64 `yaml:"variability"`
	Seed        int64   `yaml:"seed"`
}

// Config is everything the driver needs beyond the scenario itself.
type Config struct {
	StartYear int `yaml:"start_year"`
	EndYear   int `yaml:"end_year"`
	// MinEditableYear guards lifecycle edits; 0 follows the committed year.
	MinEditableYear int `yaml:"min_editable_year"`

	Optimizer Optimizer      `yaml:"optimizer"`
	Demand    Demand         `yaml:"demand"`
	Scores    scoring.Config `yaml:"scores"`

	DBPath   string `yaml:"db_path"`
	APIPort  int    `yaml:"api_port"`
	AdminKey string `yaml:"-"`
	NATSURL  string `yaml:"nats_url"`
}

// Default returns a configuration that runs the reference period.
func Default() Config {
	return Config{
		StartYear: 1950,
		EndYear:   2010,
		Optimizer: Optimizer{
			Mode:             flow.ModeProductionAndDistribution,
			Timeout:          flow.DefaultOptions.Timeout,
			Tolerance:        flow.DefaultOptions.Tolerance,
			ShortfallPenalty: flow.DefaultOptions.ShortfallPenalty,
		},
		Demand: Demand{BaseLevel: 0.5, Seed: 42},
		Scores: scoring.Config{
			Financial: scoring.Reference{Dystopia: -1e9, Utopia: 1e9, Growth: 0.03},
			Welfare:   scoring.Reference{Dystopia: 0, Utopia: 5e9, Growth: 0.03},
		},
		DBPath:  "data/infrasim.db",
		APIPort: 8080,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from INFRASIM_* environment variables.
func (c *Config) ApplyEnv() {
	c.DBPath = envOrDefault("INFRASIM_DB", c.DBPath)
	c.APIPort = envIntOrDefault("INFRASIM_PORT", c.APIPort)
	c.AdminKey = envOrDefault("INFRASIM_ADMIN_KEY", c.AdminKey)
	c.NATSURL = envOrDefault("INFRASIM_NATS_URL", c.NATSURL)
}

// Validate rejects spans and settings the driver cannot run.
func (c Config) Validate() error {
	if c.EndYear < c.StartYear {
		return fmt.Errorf("%w: end year %d before start year %d", ErrInvalid, c.EndYear, c.StartYear)
	}
	if c.Optimizer.Timeout < 0 || c.Optimizer.Tolerance < 0 || c.Optimizer.ShortfallPenalty < 0 {
		return fmt.Errorf("%w: negative optimizer setting", ErrInvalid)
	}
	if c.Demand.BaseLevel < 0 || c.Demand.BaseLevel > 1 || c.Demand.Variability < 0 {
		return fmt.Errorf("%w: demand level %v variability %v", ErrInvalid, c.Demand.BaseLevel, c.Demand.Variability)
	}
	if err := c.Scores.Validate(); err != nil {
		return err
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("%w: api port %d", ErrInvalid, c.APIPort)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
