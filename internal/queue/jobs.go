package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// PurgeTempTask sweeps orphaned temp directories. Scheduled periodically
	// by the worker's cron scheduler; this is the only server-initiated
	// cleanup of abandoned sessions.
	PurgeTempTask = "temp:purge"

	// ArchiveUploadTask copies a permanently stored upload into the S3
	// archive bucket.
	ArchiveUploadTask = "upload:archive"
)

// ArchivePayload tells the worker which stored file to archive.
type ArchivePayload struct {
	TransferKey string `json:"transfer_key"`
	StoredPath  string `json:"stored_path"`
	ObjectKey   string `json:"object_key"`
	FileName    string `json:"file_name"`
}

// NewPurgeTask builds the periodic purge task.
func NewPurgeTask() *asynq.Task {
	return asynq.NewTask(PurgeTempTask, nil)
}

// EnqueueArchive enqueues an archive job for a stored upload.
func EnqueueArchive(ctx context.Context, client *asynq.Client, payload ArchivePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ArchiveUploadTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue archive task: %w", err)
	}
	return nil
}
