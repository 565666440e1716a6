package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	up      string
	down    string
}

var migrations = []migration{
	{
		version: 1,
		name:    "core tables",
		up: `
CREATE TABLE workflow_runs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	goal TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	branch_parent_id TEXT NULL,
	is_branch INTEGER NOT NULL DEFAULT 0,
	branch_depth INTEGER NOT NULL DEFAULT 0,
	finalized INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(branch_parent_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
);
CREATE INDEX idx_workflow_runs_session ON workflow_runs(session_id, created_at);
CREATE INDEX idx_workflow_runs_status ON workflow_runs(status);

CREATE TABLE dag_nodes (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	parent_node_id TEXT NULL,
	source_node_id TEXT NULL,
	seq INTEGER NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(run_id, seq),
	FOREIGN KEY(run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE,
	FOREIGN KEY(parent_node_id) REFERENCES dag_nodes(id) ON DELETE CASCADE
);
CREATE INDEX idx_dag_nodes_parent ON dag_nodes(parent_node_id, seq);

CREATE TABLE racing_groups (
	id TEXT PRIMARY KEY,
	parent_run_id TEXT NOT NULL,
	parent_step_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	status TEXT NOT NULL,
	winner_branch_id TEXT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	deadline_at INTEGER NULL,
	resolved_at INTEGER NULL,
	FOREIGN KEY(parent_run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX idx_racing_groups_open ON racing_groups(parent_run_id, parent_step_id) WHERE status = 'racing';
CREATE INDEX idx_racing_groups_deadline ON racing_groups(status, deadline_at);

CREATE TABLE branches (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	source_run_id TEXT NULL,
	step_id TEXT NOT NULL DEFAULT '',
	from_node_id TEXT NULL,
	status TEXT NOT NULL,
	racing_group_id TEXT NULL,
	racing_priority INTEGER NOT NULL DEFAULT 0,
	racing_status TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE,
	FOREIGN KEY(racing_group_id) REFERENCES racing_groups(id) ON DELETE CASCADE
);
CREATE INDEX idx_branches_group ON branches(racing_group_id, racing_priority);
CREATE INDEX idx_branches_run ON branches(run_id);

CREATE TABLE execution_events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	node_id TEXT NOT NULL DEFAULT '',
	step_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	parent_event_id TEXT NULL,
	event_type TEXT NOT NULL,
	event_subtype TEXT NOT NULL DEFAULT '',
	agent_name TEXT NOT NULL DEFAULT '',
	agent_role TEXT NOT NULL DEFAULT '',
	started_at INTEGER NULL,
	completed_at INTEGER NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	inputs TEXT NOT NULL DEFAULT '{}',
	outputs TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	execution_order INTEGER NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(run_id, execution_order),
	FOREIGN KEY(run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE,
	FOREIGN KEY(parent_event_id) REFERENCES execution_events(id) ON DELETE CASCADE
);

CREATE TABLE session_states (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE,
	mode TEXT NOT NULL DEFAULT '',
	conversation_history TEXT NOT NULL DEFAULT '[]',
	context_variables TEXT NOT NULL DEFAULT '{}',
	plan_data TEXT NOT NULL DEFAULT '{}',
	current_phase TEXT NOT NULL DEFAULT '',
	current_step INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	expires_at INTEGER NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE approval_requests (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	approval_type TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	result TEXT NULL,
	decided_by TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	decided_at INTEGER NULL,
	FOREIGN KEY(run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
);
CREATE INDEX idx_approval_requests_pending ON approval_requests(result, expires_at);

CREATE TABLE active_connections (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL DEFAULT '',
	server_instance TEXT NOT NULL,
	last_acked_order INTEGER NOT NULL DEFAULT 0,
	connected_at INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL
);

CREATE TABLE state_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`,
		down: `
DROP TABLE IF EXISTS state_history;
DROP TABLE IF EXISTS active_connections;
DROP TABLE IF EXISTS approval_requests;
DROP TABLE IF EXISTS session_states;
DROP TABLE IF EXISTS execution_events;
DROP TABLE IF EXISTS branches;
DROP TABLE IF EXISTS racing_groups;
DROP TABLE IF EXISTS dag_nodes;
DROP TABLE IF EXISTS workflow_runs;
`,
	},
	{
		version: 2,
		name:    "lookup indexes",
		up: `
CREATE INDEX idx_state_history_entity ON state_history(entity_type, entity_id, created_at);
CREATE INDEX idx_active_connections_instance ON active_connections(server_instance, last_heartbeat);
CREATE INDEX idx_active_connections_run ON active_connections(run_id);
CREATE INDEX idx_execution_events_parent ON execution_events(parent_event_id);
CREATE INDEX idx_session_states_expiry ON session_states(status, expires_at);
`,
		down: `
DROP INDEX IF EXISTS idx_session_states_expiry;
DROP INDEX IF EXISTS idx_execution_events_parent;
DROP INDEX IF EXISTS idx_active_connections_run;
DROP INDEX IF EXISTS idx_active_connections_instance;
DROP INDEX IF EXISTS idx_state_history_entity;
`,
	},
	{
		version: 3,
		name:    "run plans",
		up: `
CREATE TABLE run_plans (
	run_id TEXT PRIMARY KEY,
	steps TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
);
`,
		down: `
DROP TABLE IF EXISTS run_plans;
`,
	},
}

// LatestVersion is the schema version Migrate brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

func (s *Store) ensureVersionTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for an empty database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if err := s.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Migrate applies every pending migration in order.
func (s *Store) Migrate(ctx context.Context) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.withTx(ctx, "migrate up", func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.up); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version, name, applied_at) VALUES(?, ?, ?)`,
				m.version, m.name, toMS(s.now())); err != nil {
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// MigrateDown reverts applied migrations until the schema is at target.
func (s *Store) MigrateDown(ctx context.Context, target int) error {
	if target < 0 {
		return fmt.Errorf("migrate down to %d: negative target", target)
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if m.version > current || m.version <= target {
			continue
		}
		err := s.withTx(ctx, "migrate down", func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.down); err != nil {
				return fmt.Errorf("revert migration %d (%s): %w", m.version, m.name, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = ?`, m.version); err != nil {
				return fmt.Errorf("unrecord migration %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
