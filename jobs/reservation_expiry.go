package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/pharmadist/pharmadist/internal/jobs"
)

// ReservationExpirer releases reservations whose deadline passed.
type ReservationExpirer interface {
	ExpireReservations(ctx context.Context, now time.Time) (int, error)
}

// ReservationExpiryJob runs the periodic reservation sweep.
type ReservationExpiryJob struct {
	Service ReservationExpirer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReservationExpiryJob constructs the job handler.
func NewReservationExpiryJob(service ReservationExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReservationExpiryJob {
	return &ReservationExpiryJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle expires every active reservation due at run time.
func (j *ReservationExpiryJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("reservation expiry: handler not configured")
	}
	var payload ReservationExpiryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskReservationExpiry)
	defer func() { err = tracker.End(err) }()

	now := j.clock()
	logger := j.logger()
	expired, err := j.Service.ExpireReservations(ctx, now)
	j.Metrics.AddItems(TaskReservationExpiry, expired)
	if err != nil {
		logger.Error("expire reservations", slog.Int("expired", expired), slog.Any("error", err))
		return err
	}
	logger.Info("expired reservations", slog.Int("expired", expired), slog.Time("run_at", now))
	return nil
}

func (j *ReservationExpiryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
