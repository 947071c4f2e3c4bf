package portal

import (
	"context"
	"fmt"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/graph"
	"github.com/branchmind/branchmind/internal/ids"
	"github.com/branchmind/branchmind/internal/retrieval"
	"github.com/branchmind/branchmind/internal/store"
)

func registerGraph(r *Registry) {
	r.Register(CmdSpec{Tool: "graph", Cmd: "upsert_node", Handler: handleGraphUpsertNode,
		ArgsSchema: map[string]string{"branch": "string (required)", "doc": "string (required)", "id": "string (required)",
			"node_type": "string", "title": "string", "text": "string", "tags": "[]string", "status": "string"},
		MinimalExample: map[string]any{"branch": "main", "doc": "graph:TASK-001", "id": "note:1", "title": "note"},
	})
	r.Register(CmdSpec{Tool: "graph", Cmd: "upsert_edge", Handler: handleGraphUpsertEdge,
		ArgsSchema:     map[string]string{"branch": "string (required)", "doc": "string (required)", "from": "string (required)", "to": "string (required)", "rel": "string (required)"},
		MinimalExample: map[string]any{"branch": "main", "doc": "graph:TASK-001", "from": "task:TASK-001", "to": "step:STEP-1", "rel": "contains"},
	})
	r.Register(CmdSpec{Tool: "graph", Cmd: "query", Handler: handleGraphQuery,
		ArgsSchema:     map[string]string{"node_type": "string", "status": "string", "tag": "string", "limit": "int"},
		MinimalExample: map[string]any{},
	})
	r.Register(CmdSpec{Tool: "graph", Cmd: "edges_from", Handler: handleGraphEdgesFrom,
		ArgsSchema:     map[string]string{"id": "string (required)"},
		MinimalExample: map[string]any{"id": "task:TASK-001"},
	})

	r.GoldenOp("graph", "query", "query")
}

func handleGraphUpsertNode(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "graph.upsert_node"
	branch, err := argString(req.Args, "branch", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	doc, err := argString(req.Args, "doc", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	id, err := argString(req.Args, "id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	nodeType, _ := argString(req.Args, "node_type", false)
	title, _ := argString(req.Args, "title", false)
	text, _ := argString(req.Args, "text", false)
	tags, _ := argStringSlice(req.Args, "tags")
	status, _ := argString(req.Args, "status", false)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	node := domain.GraphNode{ID: id, NodeType: nodeType, Title: title, Text: text, Tags: tags, Status: status}
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		seq, txErr := store.NextEventSeq(tx, req.Workspace)
		if txErr != nil {
			return txErr
		}
		nowMs := p.Now()
		eventID := ids.EventID(req.Workspace, "graph_node_upsert", []byte(id+title+text), fmt.Sprintf("%s:%d", id, seq))
		return graph.Apply(tx, req.Workspace, branch, doc, seq, nowMs, []graph.Op{{
			Kind: graph.OpNodeUpsert, SourceEventID: ids.GraphSourceEventID(eventID, "node:"+id), Node: node,
		}})
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, node, nil, []string{id}, nil, "")
}

func handleGraphUpsertEdge(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "graph.upsert_edge"
	branch, err := argString(req.Args, "branch", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	doc, err := argString(req.Args, "doc", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	from, err := argString(req.Args, "from", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	to, err := argString(req.Args, "to", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	rel, err := argString(req.Args, "rel", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	edge := domain.GraphEdge{From: from, To: to, Rel: rel}
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		seq, txErr := store.NextEventSeq(tx, req.Workspace)
		if txErr != nil {
			return txErr
		}
		nowMs := p.Now()
		eventID := ids.EventID(req.Workspace, "graph_edge_upsert", []byte(from+to+rel), fmt.Sprintf("%s>%s>%s:%d", from, rel, to, seq))
		return graph.Apply(tx, req.Workspace, branch, doc, seq, nowMs, []graph.Op{{
			Kind: graph.OpEdgeUpsert, SourceEventID: ids.GraphSourceEventID(eventID, "edge:"+from+">"+rel+">"+to), Edge: edge,
		}})
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, edge, nil, []string{from, to}, nil, "")
}

func handleGraphQuery(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "graph.query"
	nodeType, _ := argString(req.Args, "node_type", false)
	status, _ := argString(req.Args, "status", false)
	tag, _ := argString(req.Args, "tag", false)
	limit, _ := argInt(req.Args, "limit", 0)
	budget := p.CfgMgr.Get().BudgetFor(req.BudgetProfile)
	clamp, minClamped := retrieval.Resolve(budget, req.BudgetProfile, limit, 0)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	nodes, truncated, err := graph.QueryNodes(st.ReadDB(), req.Workspace, graph.Query{NodeType: nodeType, Status: status, Tag: tag, Limit: clamp.Limit})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var warnings []string
	if truncated {
		warnings = append(warnings, WarnBudgetTruncated)
	}
	if minClamped {
		warnings = append(warnings, WarnBudgetMinClamped)
	}
	return ok(intent, map[string]any{"nodes": nodes, "truncated": truncated}, warnings, nil, nil, "")
}

func handleGraphEdgesFrom(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "graph.edges_from"
	id, err := argString(req.Args, "id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	edges, err := graph.QueryEdgesFrom(st.ReadDB(), req.Workspace, id)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, edges, nil, []string{id}, nil, "")
}
