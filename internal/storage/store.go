// Package storage persists live task records, the durable execution history,
// and extracted artifacts. The history and artifact stores are append-only
// from the engine's perspective; only the live task row is ever updated.
package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("storage: not found")

// Store is the persistence boundary the engine consumes. Implementations:
// Postgres (pgx), SQLite (modernc), Memory (tests, ephemeral dev).
type Store interface {
	// Live task records. CreateTask assigns the monotonic serial.
	CreateTask(ctx context.Context, rec *TaskRecord) error
	UpdateTask(ctx context.Context, rec *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ListTasks(ctx context.Context) ([]TaskRecord, error)
	DeleteTask(ctx context.Context, id string) error

	// History. Append-only; DeleteHistory also removes linked artifacts.
	InsertHistory(ctx context.Context, rec *HistoryRecord) error
	GetHistory(ctx context.Context, id string) (*HistoryRecord, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error)
	DeleteHistory(ctx context.Context, id string) error

	// Artifacts.
	InsertArtifacts(ctx context.Context, recs []ArtifactRecord) error
	ListArtifacts(ctx context.Context, executionID string) ([]ArtifactRecord, error)

	Healthy(ctx context.Context) bool
	Close()
}
