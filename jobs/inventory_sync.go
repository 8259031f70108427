package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/pharmadist/pharmadist/internal/jobs"
	"github.com/pharmadist/pharmadist/internal/shared"
	"github.com/pharmadist/pharmadist/internal/warehouse"
)

// InventorySyncer replays warehouse approval postings.
type InventorySyncer interface {
	SyncInventory(ctx context.Context, id int64) (warehouse.WarehouseApproval, error)
	SyncPending(ctx context.Context) (int, error)
}

// InventorySyncJob posts committed warehouse approvals to inventory.
type InventorySyncJob struct {
	Service InventorySyncer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInventorySyncJob constructs the job handler.
func NewInventorySyncJob(service InventorySyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *InventorySyncJob {
	return &InventorySyncJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle replays one approval, or sweeps all outstanding ones when the
// payload names none. Approvals that are not approved are dropped without
// retry.
func (j *InventorySyncJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("inventory sync: handler not configured")
	}
	var payload InventorySyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskInventorySync)
	defer func() { err = tracker.End(err) }()

	start := time.Now()
	logger := j.logger().With(slog.Int64("approval_id", payload.ApprovalID))
	if payload.ApprovalID == 0 {
		synced, err := j.Service.SyncPending(ctx)
		j.Metrics.AddItems(TaskInventorySync, synced)
		logger.Info("inventory sync sweep", slog.Int("synced", synced), slog.Duration("duration", time.Since(start)))
		if err != nil {
			logger.Error("inventory sync sweep", slog.Any("error", err))
		}
		return err
	}

	wa, err := j.Service.SyncInventory(ctx, payload.ApprovalID)
	switch {
	case errors.Is(err, shared.ErrNotReady), errors.Is(err, shared.ErrNotFound):
		logger.Warn("inventory sync skipped", slog.Any("error", err))
		return errors.Join(err, asynq.SkipRetry)
	case err != nil:
		logger.Error("inventory sync", slog.Any("error", err))
		return err
	}
	j.Metrics.AddItems(TaskInventorySync, 1)
	logger.Info("inventory sync completed", slog.String("approval_number", wa.Number), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *InventorySyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
