package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pharmadist/pharmadist/internal/inventory"
	"github.com/pharmadist/pharmadist/internal/qc"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (WarehouseApproval, error)
	List(ctx context.Context, filter ListFilter) ([]WarehouseApproval, int, error)
	ListUnposted(ctx context.Context, limit int) ([]int64, error)
	MarkInventoryPosted(ctx context.Context, id int64, at time.Time) error
}

// TxRepository exposes transactional writes.
type TxRepository interface {
	Create(ctx context.Context, wa WarehouseApproval) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (WarehouseApproval, error)
	Update(ctx context.Context, wa WarehouseApproval) error
}

// QCPort resolves QC records that may enter warehouse approval.
type QCPort interface {
	EligibleForWarehouse(ctx context.Context, id int64) (qc.QualityControl, error)
}

// InventoryPort posts approved quantities to the inventory ledger.
type InventoryPort interface {
	ReceiveStock(ctx context.Context, input inventory.ReceiveInput) (inventory.Mutation, error)
}

// SyncEnqueuer schedules a retry of inventory posting.
type SyncEnqueuer interface {
	EnqueueInventorySync(ctx context.Context, approvalID int64) error
}

// ApprovalPort stores and lists the approval log.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// AuditPort records state-change events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PartialObserver counts committed approvals whose posting failed.
type PartialObserver interface {
	ObservePartialSuccess(resource string)
}

const syncBatch = 100

// Service orchestrates warehouse approvals.
type Service struct {
	repo      RepositoryPort
	qc        QCPort
	inventory InventoryPort
	sync      SyncEnqueuer
	approvals ApprovalPort
	audit     AuditPort
	metrics   PartialObserver
	logger    *slog.Logger
	now       func() time.Time
}

// Dependencies groups the collaborators of Service.
type Dependencies struct {
	Repo      RepositoryPort
	QC        QCPort
	Inventory InventoryPort
	Sync      SyncEnqueuer
	Approvals ApprovalPort
	Audit     AuditPort
	Metrics   PartialObserver
	Logger    *slog.Logger
}

// NewService constructs the warehouse approval service.
func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      deps.Repo,
		qc:        deps.QC,
		inventory: deps.Inventory,
		sync:      deps.Sync,
		approvals: deps.Approvals,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput opens an approval for a QC record.
type CreateInput struct {
	QualityControlID int64
	Remarks          string
	ActorID          int64
}

// DecisionInput sets the outcome of one product line.
type DecisionInput struct {
	ApprovalID int64
	Decision
	ActorID int64
}

// Create opens a pending approval from an approved QC record. One approval
// exists per QC record.
func (s *Service) Create(ctx context.Context, input CreateInput) (WarehouseApproval, error) {
	record, err := s.qc.EligibleForWarehouse(ctx, input.QualityControlID)
	if err != nil {
		return WarehouseApproval{}, err
	}
	wa, err := FromQC(record)
	if err != nil {
		return WarehouseApproval{}, err
	}
	now := s.now()
	wa.Number = generateNumber("WA")
	wa.Remarks = input.Remarks
	wa.Version = 1
	wa.CreatedBy = input.ActorID
	wa.CreatedAt = now
	wa.UpdatedAt = now
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Create(ctx, wa)
		if err != nil {
			return err
		}
		wa.ID = id
		return nil
	})
	if err != nil {
		return WarehouseApproval{}, err
	}
	s.recordAudit(ctx, input.ActorID, "create", wa.ID, nil, snapshot(wa))
	return wa, nil
}

// Get returns one approval.
func (s *Service) Get(ctx context.Context, id int64) (WarehouseApproval, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of approvals.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]WarehouseApproval, shared.Pagination, error) {
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// UpdateProductApproval records quantities and storage location of a line.
func (s *Service) UpdateProductApproval(ctx context.Context, input DecisionInput) (WarehouseApproval, error) {
	return s.mutate(ctx, input.ApprovalID, input.ActorID, "update_product", "", func(wa WarehouseApproval, _ time.Time) (WarehouseApproval, error) {
		return ApplyDecision(wa, input.Decision)
	})
}

// Submit hands the approval over for sign-off.
func (s *Service) Submit(ctx context.Context, id int64, remarks string, actorID int64) (WarehouseApproval, error) {
	return s.mutate(ctx, id, actorID, "submit", shared.ApprovalSubmit, func(wa WarehouseApproval, now time.Time) (WarehouseApproval, error) {
		return SubmitApproval(wa, remarks, actorID, now)
	})
}

// Approve commits the approval and posts the approved quantities to the
// inventory ledger. When posting fails after the commit the approval stays
// approved, a sync task is scheduled and a *shared.PartialSuccessError
// carrying the committed record is returned.
func (s *Service) Approve(ctx context.Context, id int64, remarks string, actorID int64) (WarehouseApproval, error) {
	wa, err := s.mutate(ctx, id, actorID, "approve", shared.ApprovalApprove, func(wa WarehouseApproval, now time.Time) (WarehouseApproval, error) {
		return ApproveApproval(wa, remarks, actorID, now)
	})
	if err != nil {
		return WarehouseApproval{}, err
	}
	if err := s.post(ctx, wa, actorID); err != nil {
		s.logger.Error("post warehouse approval to inventory",
			slog.Int64("approval_id", wa.ID), slog.String("approval_number", wa.Number), slog.Any("error", err))
		if s.sync != nil {
			if qerr := s.sync.EnqueueInventorySync(ctx, wa.ID); qerr != nil {
				s.logger.Error("enqueue inventory sync", slog.Int64("approval_id", wa.ID), slog.Any("error", qerr))
			}
		}
		if s.metrics != nil {
			s.metrics.ObservePartialSuccess("warehouse_approval")
		}
		return wa, &shared.PartialSuccessError{Committed: wa, Err: err}
	}
	wa.InventoryPosted = true
	return wa, nil
}

// Reject closes the approval as rejected.
func (s *Service) Reject(ctx context.Context, id int64, reason string, actorID int64) (WarehouseApproval, error) {
	return s.mutate(ctx, id, actorID, "reject", shared.ApprovalReject, func(wa WarehouseApproval, now time.Time) (WarehouseApproval, error) {
		return RejectApproval(wa, reason, actorID, now)
	})
}

// Approvals lists the approval log of a warehouse approval.
func (s *Service) Approvals(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	return s.approvals.List(ctx, shared.ApprovalModuleWarehouse, shared.ApprovalRef(shared.ApprovalModuleWarehouse, id))
}

// SyncInventory replays inventory posting for an approved record. Receipts
// already posted are skipped by their reference keys.
func (s *Service) SyncInventory(ctx context.Context, id int64) (WarehouseApproval, error) {
	wa, err := s.repo.Get(ctx, id)
	if err != nil {
		return WarehouseApproval{}, err
	}
	if wa.Status != StatusApproved {
		return WarehouseApproval{}, fmt.Errorf("%w: warehouse approval %s is %s", shared.ErrNotReady, wa.Number, wa.Status)
	}
	if wa.InventoryPosted {
		return wa, nil
	}
	if err := s.post(ctx, wa, wa.ApprovedBy); err != nil {
		return WarehouseApproval{}, err
	}
	wa.InventoryPosted = true
	s.logger.Info("warehouse approval synced to inventory", slog.Int64("approval_id", wa.ID))
	return wa, nil
}

// SyncPending replays every approved record whose posting is outstanding and
// reports how many were completed.
func (s *Service) SyncPending(ctx context.Context) (int, error) {
	ids, err := s.repo.ListUnposted(ctx, syncBatch)
	if err != nil {
		return 0, err
	}
	var (
		synced int
		errs   []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.SyncInventory(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("approval %d: %w", id, err))
			continue
		}
		synced++
	}
	return synced, errors.Join(errs...)
}

func (s *Service) post(ctx context.Context, wa WarehouseApproval, actorID int64) error {
	var errs []error
	for _, receipt := range wa.Receipts(actorID) {
		if _, err := s.inventory.ReceiveStock(ctx, receipt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", receipt.ReferenceKey, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return s.repo.MarkInventoryPosted(ctx, wa.ID, s.now())
}

func (s *Service) mutate(ctx context.Context, id, actorID int64, action string, approval shared.ApprovalAction, apply func(WarehouseApproval, time.Time) (WarehouseApproval, error)) (WarehouseApproval, error) {
	var before, after WarehouseApproval
	now := s.now()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := apply(current, now)
		if err != nil {
			return err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = now
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		before, after = current, next
		return nil
	})
	if err != nil {
		return WarehouseApproval{}, err
	}
	if approval != "" && s.approvals != nil {
		note := fmt.Sprintf("Warehouse approval %s %s", after.Number, after.Status)
		if after.RejectionReason != "" {
			note = after.RejectionReason
		}
		if err := s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  shared.ApprovalModuleWarehouse,
			RefID:   shared.ApprovalRef(shared.ApprovalModuleWarehouse, id),
			ActorID: actorID,
			Action:  approval,
			Note:    note,
			At:      now,
		}); err != nil {
			s.logger.Error("record warehouse approval log", slog.Int64("approval_id", id), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, actorID, action, id, snapshot(before), snapshot(after))
	return after, nil
}

type approvalState struct {
	Status  Status                `json:"status"`
	Lines   map[string]LineStatus `json:"lines"`
	Posted  bool                  `json:"inventory_posted"`
	Version int64                 `json:"version"`
}

func snapshot(wa WarehouseApproval) approvalState {
	lines := make(map[string]LineStatus, len(wa.Products))
	for _, p := range wa.Products {
		lines[strconv.FormatInt(p.ProductID, 10)+"/"+p.BatchNumber] = p.Status
	}
	return approvalState{Status: wa.Status, Lines: lines, Posted: wa.InventoryPosted, Version: wa.Version}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, before, after any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:    actorID,
		Action:     action,
		Resource:   "warehouse_approval",
		ResourceID: strconv.FormatInt(id, 10),
		Before:     before,
		After:      after,
		At:         s.now(),
	}); err != nil {
		s.logger.Error("record warehouse approval audit", slog.Int64("approval_id", id), slog.Any("error", err))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
