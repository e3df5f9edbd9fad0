package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/infra-world/internal/flow"
	"github.com/talgya/infra-world/internal/scoring"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "infrasim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
start_year: 1960
end_year: 1970
optimizer:
  mode: distribution
  timeout: 250ms
scores:
  financial: {dystopia: -10, utopia: 10, growth: 0}
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1960, cfg.StartYear)
	assert.Equal(t, 1970, cfg.EndYear)
	assert.Equal(t, flow.ModeDistributionOnly, cfg.Optimizer.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Optimizer.Timeout)
	assert.Equal(t, scoring.Reference{Dystopia: -10, Utopia: 10}, cfg.Scores.Financial)
	assert.Equal(t, Default().Scores.Welfare, cfg.Scores.Welfare, "untouched sections keep defaults")
	assert.Equal(t, flow.DefaultOptions.Tolerance, cfg.Optimizer.Options().Tolerance)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("optimizer:\n  mode: chaos\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("INFRASIM_DB", "/tmp/x.db")
	t.Setenv("INFRASIM_PORT", "9090")
	t.Setenv("INFRASIM_ADMIN_KEY", "secret")
	t.Setenv("INFRASIM_NATS_URL", "nats://localhost:4222")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, "secret", cfg.AdminKey)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)

	t.Setenv("INFRASIM_PORT", "not-a-port")
	cfg = Default()
	cfg.ApplyEnv()
	assert.Equal(t, 8080, cfg.APIPort)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"reversed span":    func(c *Config) { c.EndYear = c.StartYear - 1 },
		"negative timeout": func(c *Config) { c.Optimizer.Timeout = -time.Second },
		"demand level":     func(c *Config) { c.Demand.BaseLevel = 1.5 },
		"port":             func(c *Config) { c.APIPort = 70000 },
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			edit(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	cfg := Default()
	cfg.Scores.Welfare = scoring.Reference{Dystopia: 1, Utopia: 1}
	assert.ErrorIs(t, cfg.Validate(), scoring.ErrDegenerateReference)
}
