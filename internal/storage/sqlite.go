package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"playbookd/internal/catalog"
)

// SQLite backs the Store with a single-file database for single-node
// deployments. Same schema shape as Postgres, minus server-side sequences.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent task finalization.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("opened SQLite database")
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	serial        INTEGER NOT NULL,
	playbook_id   TEXT NOT NULL,
	playbook_name TEXT NOT NULL,
	targets       TEXT NOT NULL,
	variables     TEXT NOT NULL,
	status        TEXT NOT NULL,
	actor_name    TEXT NOT NULL DEFAULT '',
	actor_kind    TEXT NOT NULL DEFAULT 'user',
	created_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS serial_counter (
	id     INTEGER PRIMARY KEY CHECK (id = 1),
	serial INTEGER NOT NULL
);
INSERT OR IGNORE INTO serial_counter (id, serial) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS history (
	id            TEXT PRIMARY KEY,
	serial        INTEGER NOT NULL,
	playbook_id   TEXT NOT NULL,
	playbook_name TEXT NOT NULL,
	targets       TEXT NOT NULL,
	variables     TEXT NOT NULL,
	status        TEXT NOT NULL,
	actor_name    TEXT NOT NULL DEFAULT '',
	actor_kind    TEXT NOT NULL DEFAULT 'user',
	output        TEXT NOT NULL DEFAULT '',
	error_output  TEXT NOT NULL DEFAULT '',
	results       TEXT NOT NULL,
	note          TEXT NOT NULL DEFAULT '',
	exit_code     INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	finished_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS history_playbook_idx ON history (playbook_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	host         TEXT NOT NULL,
	task_name    TEXT NOT NULL,
	status       TEXT NOT NULL,
	register     TEXT NOT NULL,
	value        TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_execution_idx ON artifacts (execution_id);

CREATE TABLE IF NOT EXISTS hosts (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	address   TEXT NOT NULL,
	port      INTEGER NOT NULL DEFAULT 22,
	os_family TEXT NOT NULL DEFAULT 'posix'
);

CREATE TABLE IF NOT EXISTS groups (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	host_ids TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS playbooks (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	path              TEXT NOT NULL,
	variable_defaults TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id       TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	secret   TEXT NOT NULL
);
`

func (s *SQLite) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("ensuring sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) CreateTask(ctx context.Context, rec *TaskRecord) error {
	targets, variables, err := marshalTaskJSON(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`UPDATE serial_counter SET serial = serial + 1 WHERE id = 1 RETURNING serial`,
	).Scan(&rec.Serial); err != nil {
		return fmt.Errorf("allocating serial: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, serial, playbook_id, playbook_name, targets,
			variables, status, actor_name, actor_kind, created_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Serial, rec.PlaybookID, rec.PlaybookName, string(targets),
		string(variables), rec.Status, rec.ExecutedBy.Name, rec.ExecutedBy.Kind,
		rec.CreatedAt, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) UpdateTask(ctx context.Context, rec *TaskRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
		rec.Status, rec.StartedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, serial, playbook_id, playbook_name, targets, variables,
			status, actor_name, actor_kind, created_at, started_at
		FROM tasks WHERE id = ?`, id)

	rec, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("querying task %s: %w", id, sqliteNoRows(err))
	}
	return rec, nil
}

func (s *SQLite) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, serial, playbook_id, playbook_name, targets, variables,
			status, actor_name, actor_kind, created_at, started_at
		FROM tasks WHERE status IN ('pending', 'running')
		ORDER BY serial`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) InsertHistory(ctx context.Context, rec *HistoryRecord) error {
	targets, err := json.Marshal(rec.Targets)
	if err != nil {
		return fmt.Errorf("encoding targets: %w", err)
	}
	variables, err := json.Marshal(orEmptyMap(rec.Variables))
	if err != nil {
		return fmt.Errorf("encoding variables: %w", err)
	}
	results, err := json.Marshal(orEmptyMap(rec.Results))
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO history (id, serial, playbook_id, playbook_name,
			targets, variables, status, actor_name, actor_kind, output,
			error_output, results, note, exit_code, created_at, started_at,
			finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Serial, rec.PlaybookID, rec.PlaybookName, string(targets),
		string(variables), rec.Status, rec.ExecutedBy.Name, rec.ExecutedBy.Kind,
		rec.Output, rec.ErrorOutput, string(results), rec.Note, rec.ExitCode,
		rec.CreatedAt, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}
	return nil
}

func (s *SQLite) GetHistory(ctx context.Context, id string) (*HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteHistorySelect+` WHERE id = ?`, id)
	rec, err := scanHistory(row)
	if err != nil {
		return nil, fmt.Errorf("querying history %s: %w", id, sqliteNoRows(err))
	}
	return rec, nil
}

const sqliteHistorySelect = `
	SELECT id, serial, playbook_id, playbook_name, targets, variables, status,
		actor_name, actor_kind, output, error_output, results, note, exit_code,
		created_at, started_at, finished_at
	FROM history`

func (s *SQLite) ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, sqliteHistorySelect+`
		WHERE (? = '' OR playbook_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY serial DESC
		LIMIT ? OFFSET ?`,
		filter.PlaybookID, filter.PlaybookID, filter.Status, filter.Status,
		limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteHistory(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting history %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE execution_id = ?`, id); err != nil {
		return fmt.Errorf("deleting artifacts for %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLite) InsertArtifacts(ctx context.Context, recs []ArtifactRecord) error {
	for _, rec := range recs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO artifacts (id, execution_id, host, task_name, status,
				register, value, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ExecutionID, rec.Host, rec.TaskName, rec.Status,
			rec.Register, rec.Value, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting artifact: %w", err)
		}
	}
	return nil
}

func (s *SQLite) ListArtifacts(ctx context.Context, executionID string) ([]ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, host, task_name, status, register, value, created_at
		FROM artifacts WHERE execution_id = ? ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		var rec ArtifactRecord
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.Host, &rec.TaskName,
			&rec.Status, &rec.Register, &rec.Value, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Host(ctx context.Context, id string) (catalog.Host, error) {
	var h catalog.Host
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, address, port, os_family FROM hosts WHERE id = ?`, id,
	).Scan(&h.ID, &h.Name, &h.Address, &h.Port, &h.OSFamily)
	if err != nil {
		return catalog.Host{}, fmt.Errorf("host %q: %w", id, sqliteCatalogErr(err))
	}
	return h, nil
}

func (s *SQLite) Group(ctx context.Context, id string) (catalog.Group, error) {
	var g catalog.Group
	var hostIDs string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, host_ids FROM groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &hostIDs)
	if err != nil {
		return catalog.Group{}, fmt.Errorf("group %q: %w", id, sqliteCatalogErr(err))
	}
	if err := json.Unmarshal([]byte(hostIDs), &g.HostIDs); err != nil {
		return catalog.Group{}, fmt.Errorf("decoding group %q host ids: %w", id, err)
	}
	return g, nil
}

func (s *SQLite) Playbook(ctx context.Context, id string) (catalog.Playbook, error) {
	var pb catalog.Playbook
	var defaults string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, variable_defaults FROM playbooks WHERE id = ?`, id,
	).Scan(&pb.ID, &pb.Name, &pb.Path, &defaults)
	if err != nil {
		return catalog.Playbook{}, fmt.Errorf("playbook %q: %w", id, sqliteCatalogErr(err))
	}
	if err := json.Unmarshal([]byte(defaults), &pb.VariableDefaults); err != nil {
		return catalog.Playbook{}, fmt.Errorf("decoding playbook %q defaults: %w", id, err)
	}
	return pb, nil
}

func (s *SQLite) Credential(ctx context.Context, id string) (catalog.Credential, error) {
	var c catalog.Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT username, secret FROM credentials WHERE id = ?`, id,
	).Scan(&c.Username, &c.Secret)
	if err != nil {
		return catalog.Credential{}, fmt.Errorf("credential %q: %w", id, sqliteCatalogErr(err))
	}
	return c, nil
}

func (s *SQLite) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("closing sqlite database")
	}
}

func sqliteNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func sqliteCatalogErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.ErrNotFound
	}
	return err
}

var (
	_ Store         = (*SQLite)(nil)
	_ Store         = (*Postgres)(nil)
	_ catalog.Store = (*SQLite)(nil)
	_ catalog.Store = (*Postgres)(nil)
)
