package portal

import (
	"context"
	"sort"
	"sync"
)

// Request is the single input shape every portal tool accepts (spec.md
// §4.8 "Each portal accepts {workspace?, op, cmd?, args, budget_profile?,
// view?}").
type Request struct {
	Workspace     string
	Op            string
	Cmd           string
	Args          map[string]any
	BudgetProfile string
	View          string
}

// Handler runs one registered cmd against a Portal and request args.
type Handler func(ctx context.Context, p *Portal, req Request) Envelope

// CmdSpec describes one entry in the SSOT cmd registry: its schema for
// system.schema.get, and the handler dispatch reaches for op=call.
type CmdSpec struct {
	Tool           string
	Cmd            string // fully-qualified, e.g. "plan.create"
	ArgsSchema     map[string]string // field -> type description
	MinimalExample map[string]any
	FullExample    map[string]any
	Handler        Handler
}

// Registry is the single source of truth for every cmd any of the ten
// portal tools can dispatch, plus each tool's golden-op shortcuts
// (spec.md §4.8 "a small set of golden ops per portal is provided as
// shortcuts"). Grounded on the Tool/Registry split in
// emergent-company-specmcp's internal/mcp/registry.go, generalized from
// one-tool-per-entry to one-cmd-per-entry under ten fixed tool names.
type Registry struct {
	mu       sync.RWMutex
	cmds     map[string]CmdSpec // key: "tool.cmd"
	goldenOp map[string]map[string]string // tool -> op -> cmd
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cmds:     map[string]CmdSpec{},
		goldenOp: map[string]map[string]string{},
	}
}

func key(tool, cmd string) string { return tool + "." + cmd }

// Register adds a cmd spec. Panics on duplicate registration, matching
// the teacher's registry behavior for a programmer error.
func (r *Registry) Register(spec CmdSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(spec.Tool, spec.Cmd)
	if _, exists := r.cmds[k]; exists {
		panic("portal: duplicate cmd registration: " + k)
	}
	r.cmds[k] = spec
}

// GoldenOp registers op as a shortcut for cmd within tool.
func (r *Registry) GoldenOp(tool, op, cmd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.goldenOp[tool] == nil {
		r.goldenOp[tool] = map[string]string{}
	}
	r.goldenOp[tool][op] = cmd
}

// Resolve maps a request's (tool, op, cmd) to the CmdSpec that should
// handle it. op=="call" dispatches to cmd directly; any other op is
// looked up as a golden-op shortcut for tool.
func (r *Registry) Resolve(tool string, op, cmd string) (CmdSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if op == "call" || op == "" {
		spec, ok := r.cmds[key(tool, cmd)]
		return spec, ok
	}
	if shortcuts, ok := r.goldenOp[tool]; ok {
		if resolved, ok := shortcuts[op]; ok {
			spec, ok := r.cmds[key(tool, resolved)]
			return spec, ok
		}
	}
	return CmdSpec{}, false
}

// List returns every registered "tool.cmd" name, sorted, for
// system.cmd.list.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cmds))
	for k := range r.cmds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Schema looks up one cmd's schema bundle for system.schema.get. Returns
// ok=false if unregistered (the caller still returns a fail-open minimal
// bundle per spec.md §4.8).
func (r *Registry) Schema(tool, cmd string) (CmdSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.cmds[key(tool, cmd)]
	return spec, ok
}
