package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"

	"github.com/markocupic/filepond-server/internal/chunk"
	"github.com/markocupic/filepond-server/internal/queue"
	"github.com/markocupic/filepond-server/internal/registry"
	"github.com/markocupic/filepond-server/internal/s3storage"
	"github.com/markocupic/filepond-server/internal/templife"
)

// Processor is plugged into the asynq worker loop. The registry and object
// store are optional; archive jobs fail loudly when they arrive unconfigured.
type Processor struct {
	chunks    *chunk.Store
	temps     *templife.Manager
	reg       *registry.Registry
	store     *s3storage.Storage
	retention time.Duration
	logger    *log.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(chunks *chunk.Store, temps *templife.Manager, reg *registry.Registry, store *s3storage.Storage, retention time.Duration, logger *log.Logger) *Processor {
	return &Processor{
		chunks:    chunks,
		temps:     temps,
		reg:       reg,
		store:     store,
		retention: retention,
		logger:    logger,
	}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.PurgeTempTask, p.handlePurge)
	mux.HandleFunc(queue.ArchiveUploadTask, p.handleArchive)
	return mux
}

func (p *Processor) handlePurge(ctx context.Context, _ *asynq.Task) error {
	chunkDirs, err := p.chunks.CleanupOrphaned(p.retention)
	if err != nil {
		return fmt.Errorf("cleanup chunk sessions: %w", err)
	}
	tempDirs, err := p.temps.Purge(p.retention)
	if err != nil {
		return fmt.Errorf("purge temp root: %w", err)
	}
	p.logger.Info("purge sweep finished", "chunkSessions", chunkDirs, "tempEntries", tempDirs)
	return nil
}

func (p *Processor) handleArchive(ctx context.Context, task *asynq.Task) error {
	var payload queue.ArchivePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if p.store == nil {
		return fmt.Errorf("archive task for %s but no object storage is configured", payload.TransferKey)
	}
	if err := p.store.UploadFile(ctx, payload.ObjectKey, payload.StoredPath); err != nil {
		p.logger.Error("archive failed", "transferKey", payload.TransferKey, "err", err)
		return err
	}
	if p.reg != nil {
		if err := p.reg.MarkArchived(ctx, payload.TransferKey, payload.ObjectKey); err != nil {
			return err
		}
	}
	p.logger.Info("upload archived", "transferKey", payload.TransferKey, "objectKey", payload.ObjectKey)
	return nil
}
