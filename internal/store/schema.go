package store

// schemaVersion is bumped whenever the table layout changes in an
// incompatible way. Open fails closed with RESET_REQUIRED when an
// existing database reports a version this binary does not recognize
// (spec.md §6 "Persisted layout").
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL DEFAULT '',
	project_guard TEXT NOT NULL DEFAULT '',
	focus_task_id TEXT NOT NULL DEFAULT '',
	focus_plan_id TEXT NOT NULL DEFAULT '',
	last_event_seq INTEGER NOT NULL DEFAULT 0,
	last_doc_seq INTEGER NOT NULL DEFAULT 0,
	plan_counter INTEGER NOT NULL DEFAULT 0,
	task_counter INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	workspace TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	ts_ms INTEGER NOT NULL,
	type TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (workspace, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(workspace, event_id);
CREATE INDEX IF NOT EXISTS idx_events_workspace_seq ON events(workspace, seq);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(workspace, task_id);

CREATE TABLE IF NOT EXISTS branches (
	workspace TEXT NOT NULL,
	name TEXT NOT NULL,
	base_branch TEXT NOT NULL DEFAULT '',
	base_seq INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, name)
);

CREATE TABLE IF NOT EXISTS doc_entries (
	workspace TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts_ms INTEGER NOT NULL,
	branch TEXT NOT NULL,
	doc TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'note',
	event_type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	content TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (workspace, seq)
);
CREATE INDEX IF NOT EXISTS idx_doc_entries_branch_doc_seq ON doc_entries(workspace, branch, doc, seq);

CREATE TABLE IF NOT EXISTS graph_nodes (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	node_type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	last_seq INTEGER NOT NULL DEFAULT 0,
	last_ts_ms INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, id)
);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_type ON graph_nodes(workspace, node_type, deleted);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_status ON graph_nodes(workspace, status, deleted);

CREATE TABLE IF NOT EXISTS graph_edges (
	workspace TEXT NOT NULL,
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	rel TEXT NOT NULL,
	meta TEXT NOT NULL DEFAULT '{}',
	last_seq INTEGER NOT NULL DEFAULT 0,
	last_ts_ms INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, from_id, to_id, rel)
);
CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges(workspace, from_id, deleted);
CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges(workspace, to_id, deleted);

CREATE TABLE IF NOT EXISTS graph_applied_events (
	workspace TEXT NOT NULL,
	source_event_id TEXT NOT NULL,
	applied_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, source_event_id)
);

CREATE TABLE IF NOT EXISTS conflicts (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	branch_from TEXT NOT NULL,
	branch_into TEXT NOT NULL,
	doc TEXT NOT NULL DEFAULT '',
	candidate_keys TEXT NOT NULL DEFAULT '[]',
	candidates TEXT NOT NULL DEFAULT '[]',
	resolution TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (workspace, id)
);
CREATE INDEX IF NOT EXISTS idx_conflicts_divergence ON conflicts(workspace, branch_from, branch_into, doc);
CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(workspace, status);

CREATE TABLE IF NOT EXISTS plans (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	horizon TEXT NOT NULL DEFAULT 'active',
	updated_at_ms INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (workspace, id)
);

CREATE TABLE IF NOT EXISTS tasks (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	plan_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	priority TEXT NOT NULL DEFAULT '',
	horizon TEXT NOT NULL DEFAULT 'backlog',
	blocked INTEGER NOT NULL DEFAULT 0,
	block_reason TEXT NOT NULL DEFAULT '',
	revision INTEGER NOT NULL DEFAULT 1,
	reasoning_branch TEXT NOT NULL DEFAULT '',
	reasoning_notes_doc TEXT NOT NULL DEFAULT '',
	reasoning_graph_doc TEXT NOT NULL DEFAULT '',
	reasoning_trace_doc TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	updated_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(workspace, plan_id);
CREATE INDEX IF NOT EXISTS idx_tasks_horizon ON tasks(workspace, horizon, status);

CREATE TABLE IF NOT EXISTS steps (
	workspace TEXT NOT NULL,
	step_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	criteria TEXT NOT NULL DEFAULT '[]',
	tests TEXT NOT NULL DEFAULT '[]',
	blockers TEXT NOT NULL DEFAULT '[]',
	next_action TEXT NOT NULL DEFAULT '',
	stop_criteria TEXT NOT NULL DEFAULT '',
	completed INTEGER NOT NULL DEFAULT 0,
	block_reason TEXT NOT NULL DEFAULT '',
	security_required INTEGER NOT NULL DEFAULT 0,
	perf_required INTEGER NOT NULL DEFAULT 0,
	docs_required INTEGER NOT NULL DEFAULT 0,
	criteria_confirmed INTEGER NOT NULL DEFAULT 0,
	tests_confirmed INTEGER NOT NULL DEFAULT 0,
	security_confirmed INTEGER NOT NULL DEFAULT 0,
	perf_confirmed INTEGER NOT NULL DEFAULT 0,
	docs_confirmed INTEGER NOT NULL DEFAULT 0,
	evidence TEXT NOT NULL DEFAULT '[]',
	override TEXT NOT NULL DEFAULT '',
	updated_at_ms INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (workspace, step_id)
);
CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(workspace, task_id, path);

CREATE TABLE IF NOT EXISTS anchors (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'component',
	aliases TEXT NOT NULL DEFAULT '[]',
	parent_id TEXT NOT NULL DEFAULT '',
	depends_on TEXT NOT NULL DEFAULT '[]',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	updated_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, id)
);

CREATE TABLE IF NOT EXISTS anchor_aliases (
	workspace TEXT NOT NULL,
	alias TEXT NOT NULL,
	target TEXT NOT NULL,
	PRIMARY KEY (workspace, alias)
);

CREATE TABLE IF NOT EXISTS knowledge_cards (
	workspace TEXT NOT NULL,
	card_id TEXT NOT NULL,
	anchor_id TEXT NOT NULL,
	key TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	visibility TEXT NOT NULL DEFAULT 'v:draft',
	pinned INTEGER NOT NULL DEFAULT 0,
	expiry_date TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL DEFAULT 0,
	superseded_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (workspace, card_id)
);
CREATE INDEX IF NOT EXISTS idx_cards_anchor ON knowledge_cards(workspace, anchor_id, key);

CREATE TABLE IF NOT EXISTS knowledge_index (
	workspace TEXT NOT NULL,
	anchor_id TEXT NOT NULL,
	key TEXT NOT NULL,
	card_id TEXT NOT NULL,
	PRIMARY KEY (workspace, anchor_id, key)
);

CREATE TABLE IF NOT EXISTS jobs (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	task_id TEXT NOT NULL DEFAULT '',
	anchor_id TEXT NOT NULL DEFAULT '',
	executor TEXT NOT NULL DEFAULT 'auto',
	executor_profile TEXT NOT NULL DEFAULT 'fast',
	policy TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'QUEUED',
	revision INTEGER NOT NULL DEFAULT 0,
	runner_id TEXT NOT NULL DEFAULT '',
	claim_expires_at_ms INTEGER NOT NULL DEFAULT 0,
	expected_artifacts TEXT NOT NULL DEFAULT '[]',
	last_question_seq INTEGER NOT NULL DEFAULT 0,
	last_manager_seq INTEGER NOT NULL DEFAULT 0,
	meta TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL DEFAULT 0,
	updated_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_claim ON jobs(status, claim_expires_at_ms);
CREATE INDEX IF NOT EXISTS idx_jobs_workspace_status ON jobs(workspace, status);

CREATE TABLE IF NOT EXISTS job_events (
	workspace TEXT NOT NULL,
	job_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts_ms INTEGER NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (workspace, job_id, seq)
);

CREATE TABLE IF NOT EXISTS runner_leases (
	workspace TEXT NOT NULL,
	runner_id TEXT NOT NULL,
	last_heartbeat_ms INTEGER NOT NULL DEFAULT 0,
	lease_expires_at_ms INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'idle',
	active_job TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (workspace, runner_id)
);
CREATE INDEX IF NOT EXISTS idx_runner_leases_workspace ON runner_leases(workspace, runner_id);
`
