package mcptools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/config"
	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/engine"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
)

func newTools(t *testing.T) *Tools {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Planner.Seed = 3
	cfg.Policies = append(cfg.Policies, planner.Policy{Name: "aggressive", VisibilityFloor: 0.3, Exploration: 1.5})
	require.NoError(t, cfg.Validate())

	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	cat, err := catalog.New(catalog.DefaultFeatures())
	require.NoError(t, err)
	now := time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)
	eng, err := engine.New(context.Background(), engine.Options{
		Config: cfg, DB: sqlDB, Catalog: cat,
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		eng.Close()
		sqlDB.Close()
	})

	srv, tools := NewServer(eng, "test")
	require.NotNil(t, srv)
	return tools
}

// call runs a tool and decodes its JSON text result.
func call(t *testing.T, tools *Tools, name string, args map[string]any) (bool, map[string]any, string) {
	t.Helper()
	res, err := tools.Call(context.Background(), name, args)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	raw, err := json.Marshal(res.Content[0])
	require.NoError(t, err)
	var content struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(raw, &content))

	var out map[string]any
	if !res.IsError {
		_ = json.Unmarshal([]byte(content.Text), &out)
	}
	return res.IsError, out, content.Text
}

func TestStudyTools(t *testing.T) {
	tools := newTools(t)

	isErr, created, text := call(t, tools, "create_study", map[string]any{
		"name": "aggressive", "policy": "aggressive", "stages": []any{20.0, 100.0},
	})
	require.False(t, isErr, text)
	id := created["id"].(string)
	assert.Equal(t, "draft", created["status"])
	assert.Equal(t, 0.3, created["policy"].(map[string]any)["visibility_floor"])

	isErr, out, text := call(t, tools, "study_action", map[string]any{"id": id, "action": "start"})
	require.False(t, isErr, text)
	assert.Equal(t, "running", out["study"].(map[string]any)["status"])

	isErr, out, text = call(t, tools, "get_study", map[string]any{"id": id})
	require.False(t, isErr, text)
	assert.Contains(t, out, "analysis")

	isErr, _, text = call(t, tools, "study_action", map[string]any{"id": id, "action": "advance"})
	assert.True(t, isErr)
	assert.Contains(t, text, "blocked")

	isErr, out, _ = call(t, tools, "assurance_dashboard", nil)
	require.False(t, isErr)
	assert.EqualValues(t, 1, out["summary"].(map[string]any)["active_studies"])
}

func TestToolErrors(t *testing.T) {
	tools := newTools(t)

	isErr, _, text := call(t, tools, "nope", nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "unknown tool")

	isErr, _, text = call(t, tools, "get_study", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, "id is required")

	isErr, _, text = call(t, tools, "study_action", map[string]any{"id": "missing", "action": "start"})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")

	isErr, _, _ = call(t, tools, "create_study", map[string]any{"name": "x", "policy": "p", "stages": []any{"ten"}})
	assert.True(t, isErr)
}

func TestReadOnlyTools(t *testing.T) {
	tools := newTools(t)

	isErr, out, _ := call(t, tools, "regret_report", map[string]any{})
	require.False(t, isErr)
	assert.Equal(t, "global", out["scope"])
	assert.Equal(t, false, out["has_data"])

	isErr, out, _ = call(t, tools, "bandit_status", map[string]any{"user_id": "u1"})
	require.False(t, isErr)
	assert.Len(t, out["feature_beliefs"], len(catalog.DefaultFeatures()))

	isErr, _, _ = call(t, tools, "run_monitor_cycle", nil)
	assert.False(t, isErr)

	isErr, out, _ = call(t, tools, "aggregate_priors", nil)
	require.False(t, isErr)
	assert.Contains(t, out, "profiles")
}
