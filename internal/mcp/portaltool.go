package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/internal/portal"
)

// portalToolSchema is the one input shape every portal tool accepts
// (spec.md §4.8), rendered once and reused for all ten tool definitions.
var portalToolSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "workspace": {"type": "string", "description": "workspace name; omitted uses the locked default"},
    "op": {"type": "string", "description": "golden op shortcut, or \"call\" to dispatch cmd directly"},
    "cmd": {"type": "string", "description": "fully-qualified cmd, e.g. \"plan.create\" (required when op is \"call\" or omitted)"},
    "args": {"type": "object", "description": "cmd-specific arguments; see system.schema.get"},
    "budget_profile": {"type": "string", "description": "portal|default|audit"},
    "view": {"type": "string", "description": "optional rendering hint"}
  }
}`)

// PortalTool adapts one of the ten fixed portal names onto the mcp.Tool
// interface, translating a tools/call JSON payload into a portal.Request
// and the resulting portal.Envelope back into a ToolsCallResult.
type PortalTool struct {
	name        string
	description string
	portal      *portal.Portal
}

// NewPortalTool builds the mcp.Tool wrapper for one portal name ("tasks",
// "jobs", "think", "graph", "vcs", "docs", "system", "workspace", "open",
// "status").
func NewPortalTool(name, description string, p *portal.Portal) *PortalTool {
	return &PortalTool{name: name, description: description, portal: p}
}

func (t *PortalTool) Name() string                { return t.name }
func (t *PortalTool) Description() string         { return t.description }
func (t *PortalTool) InputSchema() json.RawMessage { return portalToolSchema }

type portalCallArgs struct {
	Workspace     string         `json:"workspace"`
	Op            string         `json:"op"`
	Cmd           string         `json:"cmd"`
	Args          map[string]any `json:"args"`
	BudgetProfile string         `json:"budget_profile"`
	View          string         `json:"view"`
}

func (t *PortalTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	var call portalCallArgs
	if len(params) > 0 {
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, fmt.Errorf("parsing %s call arguments: %w", t.name, err)
		}
	}
	req := portal.Request{
		Workspace:     call.Workspace,
		Op:            call.Op,
		Cmd:           call.Cmd,
		Args:          call.Args,
		BudgetProfile: call.BudgetProfile,
		View:          call.View,
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	envelope := t.portal.Dispatch(ctx, t.name, req)
	return JSONResult(envelope)
}
