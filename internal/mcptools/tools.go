// Package mcptools exposes the engine's operator actions as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/danielpatrickdp/adaptive-policy/internal/engine"
	"github.com/danielpatrickdp/adaptive-policy/internal/experiment"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
)

// endpoint is one tool body; its result is returned to the client as JSON.
type endpoint func(ctx context.Context, args map[string]any) (any, error)

// Tools holds the registered endpoints so they can be called without a
// transport.
type Tools struct {
	engine    *engine.Engine
	endpoints map[string]endpoint
}

// NewServer creates an MCPServer with every operator tool registered.
func NewServer(eng *engine.Engine, version string) (*server.MCPServer, *Tools) {
	srv := server.NewMCPServer("adaptive-policy", version, server.WithToolCapabilities(true))
	t := &Tools{engine: eng, endpoints: make(map[string]endpoint)}

	t.register(srv, "list_studies", "List every study with its status, stage and percentage",
		props{}, nil, t.listStudies)
	t.register(srv, "get_study", "Show one study and the sequential analysis of its current stage",
		props{"id": str("Study id")}, []string{"id"}, t.getStudy)
	t.register(srv, "create_study", "Create a draft study rolling out a configured policy",
		props{
			"name":         str("Study name"),
			"policy":       str("Name of a configured policy variant"),
			"shadow_first": map[string]string{"type": "boolean", "description": "Run a shadow stage before the first canary"},
			"stages":       map[string]any{"type": "array", "items": map[string]string{"type": "integer"}, "description": "Canary percentages ending at 100"},
		}, []string{"name", "policy"}, t.createStudy)
	t.register(srv, "study_action", "Start, advance, pause, resume or roll back a study",
		props{
			"id":     str("Study id"),
			"action": str("One of: start, advance, pause, resume, rollback"),
			"reason": str("Rollback reason"),
		}, []string{"id", "action"}, t.studyAction)
	t.register(srv, "assurance_dashboard", "Active studies, recent rollouts, monitor alerts and summary counts",
		props{"recent": map[string]string{"type": "integer", "description": "Number of recent transitions"}}, nil, t.dashboard)
	t.register(srv, "regret_report", "Regret analysis for one user, or the global series when user_id is empty",
		props{"user_id": str("User id")}, nil, t.regretReport)
	t.register(srv, "bandit_status", "A user's blended feature beliefs",
		props{"user_id": str("User id")}, []string{"user_id"}, t.banditStatus)
	t.register(srv, "run_monitor_cycle", "Run one bias and drift pass and route its alerts",
		props{}, nil, t.runMonitorCycle)
	t.register(srv, "aggregate_priors", "Rebuild specialty and global priors from graduated users",
		props{}, nil, t.aggregatePriors)
	return srv, t
}

type props map[string]any

func str(desc string) map[string]string {
	return map[string]string{"type": "string", "description": desc}
}

func (t *Tools) register(srv *server.MCPServer, name, desc string, properties props, required []string, fn endpoint) {
	if required == nil {
		required = []string{}
	}
	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
	t.endpoints[name] = fn
	srv.AddTool(mcp.NewToolWithRawSchema(name, desc, schema), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return t.Call(ctx, name, req.GetArguments())
	})
}

// Call runs a tool by name. Tool failures are reported in the result, not
// as an error.
func (t *Tools) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	fn, ok := t.endpoints[name]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown tool %q", name)), nil
	}
	if args == nil {
		args = map[string]any{}
	}
	out, err := fn(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", name, err)), nil
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: encode result: %v", name, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// #region endpoints
func (t *Tools) listStudies(_ context.Context, _ map[string]any) (any, error) {
	return t.engine.Studies(), nil
}

func (t *Tools) getStudy(_ context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "id")
	if err != nil {
		return nil, err
	}
	s, err := t.engine.Study(id)
	if err != nil {
		return nil, err
	}
	an, err := t.engine.StudyAnalysis(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"study": s, "analysis": an}, nil
}

func (t *Tools) createStudy(ctx context.Context, args map[string]any) (any, error) {
	name, err := requireString(args, "name")
	if err != nil {
		return nil, err
	}
	policy, err := requireString(args, "policy")
	if err != nil {
		return nil, err
	}
	spec := experiment.Spec{Name: name, Policy: planner.Policy{Name: policy}}
	spec.ShadowFirst, _ = args["shadow_first"].(bool)
	if raw, ok := args["stages"].([]any); ok {
		for _, v := range raw {
			n, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("stages must be integers")
			}
			spec.Stages = append(spec.Stages, int(n))
		}
	}
	return t.engine.CreateStudy(ctx, spec)
}

func (t *Tools) studyAction(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "id")
	if err != nil {
		return nil, err
	}
	action, err := requireString(args, "action")
	if err != nil {
		return nil, err
	}
	reason, _ := args["reason"].(string)
	s, decision, err := t.engine.StudyAction(ctx, id, action, reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"study": s, "decision": decision}, nil
}

func (t *Tools) dashboard(ctx context.Context, args map[string]any) (any, error) {
	recent := 20
	if n, ok := args["recent"].(float64); ok && n > 0 {
		recent = int(n)
	}
	return t.engine.AssuranceDashboard(ctx, recent)
}

func (t *Tools) regretReport(_ context.Context, args map[string]any) (any, error) {
	userID, _ := args["user_id"].(string)
	return t.engine.RegretReport(userID), nil
}

func (t *Tools) banditStatus(ctx context.Context, args map[string]any) (any, error) {
	userID, err := requireString(args, "user_id")
	if err != nil {
		return nil, err
	}
	user, ok := t.engine.Users().Lookup(userID)
	if !ok {
		user = identity.User{ID: userID}
	}
	return t.engine.BanditStatus(ctx, user, 10)
}

func (t *Tools) runMonitorCycle(ctx context.Context, _ map[string]any) (any, error) {
	return map[string]any{"alerts": t.engine.RunMonitorCycle(ctx)}, nil
}

func (t *Tools) aggregatePriors(ctx context.Context, _ map[string]any) (any, error) {
	set, err := t.engine.AggregatePriors(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"profiles": set}, nil
}

// #endregion endpoints

func requireString(args map[string]any, key string) (string, error) {
	s, _ := args[key].(string)
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}
