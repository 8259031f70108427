package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries inventory postings owed by committed approvals.
	QueueCritical = "critical"

	// TaskInventorySync replays inventory posting of warehouse approvals.
	TaskInventorySync = "warehouse:inventory_sync"
	// TaskReservationExpiry expires stock reservations past their deadline.
	TaskReservationExpiry = "inventory:reservation_expiry"
	// TaskIdempotencyCleanup purges stale idempotency keys.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// InventorySyncPayload names the approval to replay. A zero ApprovalID
// sweeps every approved record whose posting is outstanding.
type InventorySyncPayload struct {
	ApprovalID int64 `json:"approval_id"`
}

// NewInventorySyncTask builds a sync task. Tasks for the same approval share
// a task id so at most one is queued at a time.
func NewInventorySyncTask(approvalID int64) (*asynq.Task, error) {
	body, err := json.Marshal(InventorySyncPayload{ApprovalID: approvalID})
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueCritical), asynq.MaxRetry(10)}
	if approvalID > 0 {
		opts = append(opts, asynq.TaskID(inventorySyncTaskID(approvalID)))
	}
	return asynq.NewTask(TaskInventorySync, body, opts...), nil
}

func inventorySyncTaskID(approvalID int64) string {
	return fmt.Sprintf("%s:%d", TaskInventorySync, approvalID)
}

// ReservationExpiryPayload carries scheduling metadata.
type ReservationExpiryPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReservationExpiryTask constructs the reservation expiry sweep.
func NewReservationExpiryTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReservationExpiryPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationExpiry, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload sets how long processed keys are kept.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs the key purge task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
