package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"playbookd/internal/catalog"
)

// Postgres backs the Store with a pgx connection pool. It also serves the
// read-only inventory catalog lookups out of the same database.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

const pgSchema = `
CREATE SEQUENCE IF NOT EXISTS execution_serial;

CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	serial        BIGINT NOT NULL DEFAULT nextval('execution_serial'),
	playbook_id   TEXT NOT NULL,
	playbook_name TEXT NOT NULL,
	targets       JSONB NOT NULL,
	variables     JSONB NOT NULL,
	status        TEXT NOT NULL,
	actor_name    TEXT NOT NULL DEFAULT '',
	actor_kind    TEXT NOT NULL DEFAULT 'user',
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS history (
	id            TEXT PRIMARY KEY,
	serial        BIGINT NOT NULL,
	playbook_id   TEXT NOT NULL,
	playbook_name TEXT NOT NULL,
	targets       JSONB NOT NULL,
	variables     JSONB NOT NULL,
	status        TEXT NOT NULL,
	actor_name    TEXT NOT NULL DEFAULT '',
	actor_kind    TEXT NOT NULL DEFAULT 'user',
	output        TEXT NOT NULL DEFAULT '',
	error_output  TEXT NOT NULL DEFAULT '',
	results       JSONB NOT NULL,
	note          TEXT NOT NULL DEFAULT '',
	exit_code     INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS history_playbook_idx ON history (playbook_id);
CREATE INDEX IF NOT EXISTS history_serial_idx ON history (serial DESC);

CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	host         TEXT NOT NULL,
	task_name    TEXT NOT NULL,
	status       TEXT NOT NULL,
	register     TEXT NOT NULL,
	value        TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_execution_idx ON artifacts (execution_id);

CREATE TABLE IF NOT EXISTS hosts (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	address   TEXT NOT NULL,
	port      INT NOT NULL DEFAULT 22,
	os_family TEXT NOT NULL DEFAULT 'posix'
);

CREATE TABLE IF NOT EXISTS groups (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	host_ids JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS playbooks (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	path              TEXT NOT NULL,
	variable_defaults JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id       TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	secret   TEXT NOT NULL
);
`

// EnsureSchema creates the engine's tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

func (p *Postgres) CreateTask(ctx context.Context, rec *TaskRecord) error {
	targets, variables, err := marshalTaskJSON(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (id, playbook_id, playbook_name, targets, variables,
			status, actor_name, actor_kind, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING serial`

	err = p.pool.QueryRow(ctx, query,
		rec.ID, rec.PlaybookID, rec.PlaybookName, targets, variables,
		rec.Status, rec.ExecutedBy.Name, rec.ExecutedBy.Kind,
		rec.CreatedAt, rec.StartedAt,
	).Scan(&rec.Serial)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateTask(ctx context.Context, rec *TaskRecord) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, started_at = $3 WHERE id = $1`,
		rec.ID, rec.Status, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, serial, playbook_id, playbook_name, targets, variables,
			status, actor_name, actor_kind, created_at, started_at
		FROM tasks WHERE id = $1`, id)

	rec, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("querying task %s: %w", id, wrapNoRows(err))
	}
	return rec, nil
}

func (p *Postgres) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := p.pool.Query(ctx, `
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

func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) InsertHistory(ctx context.Context, rec *HistoryRecord) error {
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

	_, err = p.pool.Exec(ctx, `
		INSERT INTO history (id, serial, playbook_id, playbook_name, targets,
			variables, status, actor_name, actor_kind, output, error_output,
			results, note, exit_code, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Serial, rec.PlaybookID, rec.PlaybookName, targets,
		variables, rec.Status, rec.ExecutedBy.Name, rec.ExecutedBy.Kind,
		rec.Output, rec.ErrorOutput, results, rec.Note, rec.ExitCode,
		rec.CreatedAt, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}
	return nil
}

func (p *Postgres) GetHistory(ctx context.Context, id string) (*HistoryRecord, error) {
	row := p.pool.QueryRow(ctx, historySelect+` WHERE id = $1`, id)
	rec, err := scanHistory(row)
	if err != nil {
		return nil, fmt.Errorf("querying history %s: %w", id, wrapNoRows(err))
	}
	return rec, nil
}

const historySelect = `
	SELECT id, serial, playbook_id, playbook_name, targets, variables, status,
		actor_name, actor_kind, output, error_output, results, note, exit_code,
		created_at, started_at, finished_at
	FROM history`

func (p *Postgres) ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := p.pool.Query(ctx, historySelect+`
		WHERE ($1 = '' OR playbook_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY serial DESC
		LIMIT $3 OFFSET $4`,
		filter.PlaybookID, filter.Status, limit, filter.Offset)
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

func (p *Postgres) DeleteHistory(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting history %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history %s: %w", id, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM artifacts WHERE execution_id = $1`, id); err != nil {
		return fmt.Errorf("deleting artifacts for %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) InsertArtifacts(ctx context.Context, recs []ArtifactRecord) error {
	for _, rec := range recs {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO artifacts (id, execution_id, host, task_name, status,
				register, value, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.ID, rec.ExecutionID, rec.Host, rec.TaskName, rec.Status,
			rec.Register, rec.Value, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting artifact: %w", err)
		}
	}
	return nil
}

func (p *Postgres) ListArtifacts(ctx context.Context, executionID string) ([]ArtifactRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, execution_id, host, task_name, status, register, value, created_at
		FROM artifacts WHERE execution_id = $1 ORDER BY created_at`, executionID)
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

// Catalog lookups. The portal's CRUD layer owns writes to these tables; the
// engine only reads.

func (p *Postgres) Host(ctx context.Context, id string) (catalog.Host, error) {
	var h catalog.Host
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, address, port, os_family FROM hosts WHERE id = $1`, id,
	).Scan(&h.ID, &h.Name, &h.Address, &h.Port, &h.OSFamily)
	if err != nil {
		return catalog.Host{}, fmt.Errorf("host %q: %w", id, catalogErr(err))
	}
	return h, nil
}

func (p *Postgres) Group(ctx context.Context, id string) (catalog.Group, error) {
	var g catalog.Group
	var hostIDs []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, host_ids FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &hostIDs)
	if err != nil {
		return catalog.Group{}, fmt.Errorf("group %q: %w", id, catalogErr(err))
	}
	if err := json.Unmarshal(hostIDs, &g.HostIDs); err != nil {
		return catalog.Group{}, fmt.Errorf("decoding group %q host ids: %w", id, err)
	}
	return g, nil
}

func (p *Postgres) Playbook(ctx context.Context, id string) (catalog.Playbook, error) {
	var pb catalog.Playbook
	var defaults []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, path, variable_defaults FROM playbooks WHERE id = $1`, id,
	).Scan(&pb.ID, &pb.Name, &pb.Path, &defaults)
	if err != nil {
		return catalog.Playbook{}, fmt.Errorf("playbook %q: %w", id, catalogErr(err))
	}
	if err := json.Unmarshal(defaults, &pb.VariableDefaults); err != nil {
		return catalog.Playbook{}, fmt.Errorf("decoding playbook %q defaults: %w", id, err)
	}
	return pb, nil
}

func (p *Postgres) Credential(ctx context.Context, id string) (catalog.Credential, error) {
	var c catalog.Credential
	err := p.pool.QueryRow(ctx,
		`SELECT username, secret FROM credentials WHERE id = $1`, id,
	).Scan(&c.Username, &c.Secret)
	if err != nil {
		return catalog.Credential{}, fmt.Errorf("credential %q: %w", id, catalogErr(err))
	}
	return c, nil
}

func (p *Postgres) Healthy(ctx context.Context) bool {
	return p.pool.Ping(ctx) == nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanTask(row pgRow) (*TaskRecord, error) {
	var rec TaskRecord
	var targets, variables []byte
	if err := row.Scan(&rec.ID, &rec.Serial, &rec.PlaybookID, &rec.PlaybookName,
		&targets, &variables, &rec.Status, &rec.ExecutedBy.Name,
		&rec.ExecutedBy.Kind, &rec.CreatedAt, &rec.StartedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(targets, &rec.Targets); err != nil {
		return nil, fmt.Errorf("decoding targets: %w", err)
	}
	if err := json.Unmarshal(variables, &rec.Variables); err != nil {
		return nil, fmt.Errorf("decoding variables: %w", err)
	}
	return &rec, nil
}

func scanHistory(row pgRow) (*HistoryRecord, error) {
	var rec HistoryRecord
	var targets, variables, results []byte
	if err := row.Scan(&rec.ID, &rec.Serial, &rec.PlaybookID, &rec.PlaybookName,
		&targets, &variables, &rec.Status, &rec.ExecutedBy.Name,
		&rec.ExecutedBy.Kind, &rec.Output, &rec.ErrorOutput, &results,
		&rec.Note, &rec.ExitCode, &rec.CreatedAt, &rec.StartedAt,
		&rec.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(targets, &rec.Targets); err != nil {
		return nil, fmt.Errorf("decoding targets: %w", err)
	}
	if err := json.Unmarshal(variables, &rec.Variables); err != nil {
		return nil, fmt.Errorf("decoding variables: %w", err)
	}
	if err := json.Unmarshal(results, &rec.Results); err != nil {
		return nil, fmt.Errorf("decoding results: %w", err)
	}
	return &rec, nil
}

func marshalTaskJSON(rec *TaskRecord) (targets, variables []byte, err error) {
	targets, err = json.Marshal(rec.Targets)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding targets: %w", err)
	}
	variables, err = json.Marshal(orEmptyMap(rec.Variables))
	if err != nil {
		return nil, nil, fmt.Errorf("encoding variables: %w", err)
	}
	return targets, variables, nil
}

func wrapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func catalogErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.ErrNotFound
	}
	return err
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
