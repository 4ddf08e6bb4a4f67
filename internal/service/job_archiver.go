package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/timmy/jobpulse/internal/logger"
	"github.com/timmy/jobpulse/internal/storage"
)

const defaultArchiveBatch = 500

// ArchiverConfig holds configuration for the job archiver.
type ArchiverConfig struct {
	Prefix    string
	BatchSize int
}

// JobArchiver copies expired terminal jobs to object storage as JSON lines
// and deletes them from the store once the upload succeeded.
type JobArchiver struct {
	store     ArchiveStore
	storage   storage.ObjectStorage
	logger    *logger.Logger
	prefix    string
	batchSize int
	now       func() time.Time
}

// NewJobArchiver creates a new archiver.
func NewJobArchiver(store ArchiveStore, objectStorage storage.ObjectStorage, log *logger.Logger, cfg *ArchiverConfig) *JobArchiver {
	a := &JobArchiver{
		store:     store,
		storage:   objectStorage,
		logger:    log,
		prefix:    "jobs",
		batchSize: defaultArchiveBatch,
		now:       time.Now,
	}
	if cfg != nil {
		if cfg.Prefix != "" {
			a.prefix = cfg.Prefix
		}
		if cfg.BatchSize > 0 {
			a.batchSize = cfg.BatchSize
		}
	}
	if a.logger == nil {
		a.logger = logger.GetDefault()
	}
	return a
}

// Purge archives and deletes terminal jobs created before the cutoff, one page at a time.
// A page whose delete fails has its archive object removed again so the next run
// does not produce a duplicate.
// Returns:
//   - int64: number of jobs archived and deleted.
//   - error: first failure; earlier pages stay purged.
func (a *JobArchiver) Purge(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for page := 0; ; page++ {
		jobs, err := a.store.FindTerminalBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("load archive page: %w", err)
		}
		if len(jobs) == 0 {
			return total, nil
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		ids := make([]string, 0, len(jobs))
		for i := range jobs {
			if err := enc.Encode(&jobs[i]); err != nil {
				return total, fmt.Errorf("encode job %s: %w", jobs[i].ID, err)
			}
			ids = append(ids, jobs[i].ID)
		}

		key := a.objectKey(page)
		if err := a.storage.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("upload archive %s: %w", key, err)
		}

		n, err := a.store.DeleteByIDs(ctx, ids)
		if err != nil {
			if delErr := a.storage.Delete(ctx, key); delErr != nil {
				a.logger.WithError(delErr).Errorf("Failed to roll back archive object %s", key)
			}
			return total, fmt.Errorf("delete archived jobs: %w", err)
		}
		total += n
		if n == 0 {
			// page was already gone; nothing left to make progress on
			return total, nil
		}

		logger.With(logger.Fields{logger.FieldSize: buf.Len()}).WithCount(len(jobs)).Info(a.logger.WithContext(ctx), "Archived jobs to %s", key)

		if len(jobs) < a.batchSize {
			return total, nil
		}
	}
}

// objectKey builds <prefix>/YYYY/MM/DD/<unix-nanos>-<page>.jsonl.
func (a *JobArchiver) objectKey(page int) string {
	now := a.now().UTC()
	return path.Join(a.prefix, now.Format("2006/01/02"), fmt.Sprintf("%d-%d.jsonl", now.UnixNano(), page))
}
