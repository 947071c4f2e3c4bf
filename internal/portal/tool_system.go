package portal

import "context"

func registerSystem(r *Registry) {
	r.Register(CmdSpec{Tool: "system", Cmd: "schema.get", Handler: handleSchemaGet,
		ArgsSchema:     map[string]string{"tool": "string (required)", "cmd": "string (required)"},
		MinimalExample: map[string]any{"tool": "tasks", "cmd": "plan.create"},
	})
	r.Register(CmdSpec{Tool: "system", Cmd: "cmd.list", Handler: handleCmdList,
		ArgsSchema:     map[string]string{},
		MinimalExample: map[string]any{},
	})

	r.GoldenOp("system", "schema", "schema.get")
	r.GoldenOp("system", "list", "cmd.list")
}

// handleSchemaGet is fail-open: an unregistered (tool, cmd) still returns a
// minimal bundle and never a typed error, so a caller can always recover
// from INVALID_INPUT by calling this (spec.md §4.8 recovery rule).
func handleSchemaGet(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "system.schema.get"
	tool, err := argString(req.Args, "tool", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	cmd, err := argString(req.Args, "cmd", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	spec, found := p.Registry.Schema(tool, cmd)
	if !found {
		return ok(intent, map[string]any{
			"tool": tool, "cmd": cmd, "registered": false,
			"args_schema": map[string]string{}, "minimal_example": map[string]any{},
		}, []string{"UNKNOWN_CMD"}, nil, nil, "")
	}
	return ok(intent, map[string]any{
		"tool": spec.Tool, "cmd": spec.Cmd, "registered": true,
		"args_schema": spec.ArgsSchema, "minimal_example": spec.MinimalExample, "full_example": spec.FullExample,
	}, nil, nil, nil, "")
}

func handleCmdList(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "system.cmd.list"
	return ok(intent, map[string]any{"cmds": p.Registry.List()}, nil, nil, nil, "")
}
