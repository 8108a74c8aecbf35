package engine

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"playbookd/internal/monitor"
	"playbookd/internal/storage"
)

// Archiver moves a terminal task into durable history. The handoff must
// leave exactly one authoritative record: the history row is inserted first,
// then the live task row is deleted, so a crash between the two leaves a
// duplicate (resolved by the insert's idempotence) rather than a lost run.
type Archiver struct {
	store   storage.Store
	metrics *monitor.Metrics
}

func NewArchiver(store storage.Store, metrics *monitor.Metrics) *Archiver {
	return &Archiver{store: store, metrics: metrics}
}

// Archive persists the history record and its artifacts with bounded
// retry/backoff, then removes the live task row. Returns false when the
// write failed permanently; the live row is left in place for operator
// recovery in that case.
func (a *Archiver) Archive(rec storage.HistoryRecord, artifacts []storage.ArtifactRecord) bool {
	if !a.writeWithRetry(rec, artifacts) {
		if a.metrics != nil {
			a.metrics.ArchiveFailures.Inc()
		}
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.DeleteTask(ctx, rec.ID); err != nil {
		log.Warn().Err(err).Str("task_id", rec.ID).Msg("live task row cleanup failed after archive")
	}
	return true
}

func (a *Archiver) writeWithRetry(rec storage.HistoryRecord, artifacts []storage.ArtifactRecord) bool {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.write(ctx, rec, artifacts)
		cancel()

		if err == nil {
			return true
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("task_id", rec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("archive write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("task_id", rec.ID).
				Msg("archive write failed permanently after retries")
		}
	}
	return false
}

func (a *Archiver) write(ctx context.Context, rec storage.HistoryRecord, artifacts []storage.ArtifactRecord) error {
	if err := a.store.InsertHistory(ctx, &rec); err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return nil
	}
	return a.store.InsertArtifacts(ctx, artifacts)
}
