package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50*time.Millisecond, cfg.PlannerTimeout())
	assert.Equal(t, time.Duration(0), cfg.DedupWindow())
	assert.Equal(t, []int{5, 25, 50, 100}, cfg.ExperimentConfig().DefaultStages)
	assert.Equal(t, 24*time.Hour, cfg.ExperimentConfig().StageDuration)
	assert.Equal(t, time.Hour, cfg.MonitorConfig().BucketWidth)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadOverridesAndEnv(t *testing.T) {
	t.Setenv("ADAPTIVE_DB", "/tmp/override.db")
	path := writeConfig(t, `
control_policy = "conservative"

[planner]
timeout = "20ms"

[transfer]
basis = "interactions"
warm_threshold = 10
personalized_threshold = 50
cold_prior_weight = 0.9
personalized_prior_weight = 0.1

[[policies]]
name = "conservative"
visibility_floor = 0.05
exploration = 0.5

[[policies]]
name = "aggressive"
visibility_floor = 0.3
exploration = 2.0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, 20*time.Millisecond, cfg.PlannerTimeout())
	assert.Equal(t, "interactions", string(cfg.TransferConfig().Basis))
	assert.Equal(t, 50.0, cfg.TransferConfig().PersonalizedThreshold)
	assert.Equal(t, 0.9, cfg.TransferConfig().ColdPriorWeight)
	assert.Equal(t, 0.1, cfg.TransferConfig().PersonalizedPriorWeight)

	p, ok := cfg.Policy("aggressive")
	require.True(t, ok)
	assert.Equal(t, 0.3, p.VisibilityFloor)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":     "[planner]\ntimeout = \"soon\"\n",
		"unknown control":  "control_policy = \"nope\"\n",
		"thresholds order": "[transfer]\nwarm_threshold = 40\npersonalized_threshold = 30\n",
		"weights order":    "[transfer]\ncold_prior_weight = 0.2\npersonalized_prior_weight = 0.5\n",
		"weight range":     "[transfer]\ncold_prior_weight = 1.5\n",
		"stages end":       "[experiment]\nstages = [5, 50]\n",
		"redis addr":       "[cache]\nbackend = \"redis\"\n",
		"log level":        "[log]\nlevel = \"loud\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("REDIS_ADDR", "")
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("ADAPTIVE_DB", "")
	t.Setenv("POLICY_ADDR", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("POLICY_JWT_SECRET", "")
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Policies, 2)
	assert.Equal(t, "features.yaml", cfg.Catalog.Path)
	p, ok := cfg.Policy("thompson-explore")
	require.True(t, ok)
	assert.Equal(t, 1.5, p.Exploration)
	assert.Equal(t, 1.0, cfg.TransferConfig().ColdPriorWeight)
	assert.Equal(t, 0.0, cfg.TransferConfig().PersonalizedPriorWeight)
}

func TestCheckServingRejectsPlaceholderSecret(t *testing.T) {
	t.Setenv("POLICY_JWT_SECRET", "")
	cfg, err := Load(writeConfig(t, "[auth]\njwt_secret = \"change-me-in-production\"\n"))
	require.NoError(t, err, "offline tooling still loads the placeholder")
	assert.ErrorContains(t, cfg.CheckServing(), "placeholder")

	cfg.Auth.JWTSecret = ""
	assert.ErrorContains(t, cfg.CheckServing(), "empty")

	cfg.Auth.AllowHeaderIdentity = true
	assert.NoError(t, cfg.CheckServing())

	t.Setenv("POLICY_JWT_SECRET", "s3cret-from-env")
	cfg, err = Load(writeConfig(t, "[auth]\njwt_secret = \"change-me-in-production\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret-from-env", cfg.Auth.JWTSecret)
	assert.NoError(t, cfg.CheckServing())
}
