package qc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/receiving"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (QualityControl, error)
	List(ctx context.Context, filter ListFilter) ([]QualityControl, int, error)
}

// TxRepository exposes transactional writes.
type TxRepository interface {
	Create(ctx context.Context, qc QualityControl) (int64, error)
	// OpenLines locks and returns the lines of invoiceReceivingID claimed by
	// records that are not rejected, mapped to the claiming QC number.
	OpenLines(ctx context.Context, invoiceReceivingID int64) (map[LineKey]string, error)
	GetForUpdate(ctx context.Context, id int64) (QualityControl, error)
	Update(ctx context.Context, qc QualityControl) error
}

// ReceivingPort reads invoice receivings.
type ReceivingPort interface {
	Get(ctx context.Context, id int64) (receiving.InvoiceReceiving, error)
}

// GrantsSource resolves what a user may do.
type GrantsSource interface {
	Grants(ctx context.Context, userID int64) (authz.Grants, error)
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

// Service orchestrates quality control records.
type Service struct {
	repo      RepositoryPort
	receiving ReceivingPort
	grants    GrantsSource
	approvals ApprovalPort
	audit     AuditPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the QC service.
func NewService(repo RepositoryPort, receivings ReceivingPort, grants GrantsSource, approvals ApprovalPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		receiving: receivings,
		grants:    grants,
		approvals: approvals,
		audit:     audit,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProductSelection picks one received batch for inspection.
type ProductSelection struct {
	ProductID   int64
	BatchNumber string
	SampleCount int
}

// CreateInput describes a new QC record.
type CreateInput struct {
	InvoiceReceivingID int64
	Type               Type
	AssignedTo         int64
	Products           []ProductSelection
	Remarks            string
	ActorID            int64
}

// UpdateItemInput carries one inspection outcome.
type UpdateItemInput struct {
	QCID      int64
	ProductID int64
	ItemID    uuid.UUID
	Status    ItemStatus
	Reason    string
	Notes     string
	ActorID   int64
}

// Create opens a QC record for an invoice receiving. Without an explicit
// selection every received batch is inspected with a single item. A received
// line can be held by one record at a time; it is released when that record
// is rejected.
func (s *Service) Create(ctx context.Context, input CreateInput) (QualityControl, error) {
	if input.Type == "" {
		input.Type = TypeIncomingInspection
	}
	if !input.Type.Valid() {
		return QualityControl{}, fmt.Errorf("%w: unknown qc type %q", shared.ErrValidation, input.Type)
	}
	if input.AssignedTo <= 0 {
		return QualityControl{}, fmt.Errorf("%w: assigned inspector required", shared.ErrValidation)
	}
	ir, err := s.receiving.Get(ctx, input.InvoiceReceivingID)
	if err != nil {
		return QualityControl{}, err
	}
	products, err := selectProducts(ir, input.Products)
	if err != nil {
		return QualityControl{}, err
	}
	now := s.now()
	qc := QualityControl{
		Number:             generateNumber("QC"),
		InvoiceReceivingID: ir.ID,
		PurchaseOrderID:    ir.PurchaseOrderID,
		WarehouseID:        ir.WarehouseID,
		Type:               input.Type,
		Status:             StatusPending,
		AssignedTo:         input.AssignedTo,
		Products:           products,
		Remarks:            input.Remarks,
		Version:            1,
		CreatedBy:          input.ActorID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		open, err := tx.OpenLines(ctx, ir.ID)
		if err != nil {
			return err
		}
		for _, line := range qc.Lines() {
			if number, ok := open[line]; ok {
				return fmt.Errorf("%w: product %d batch %s of %s is already inspected by %s", shared.ErrConflict, line.ProductID, line.BatchNumber, ir.Number, number)
			}
		}
		id, err := tx.Create(ctx, qc)
		if err != nil {
			return err
		}
		qc.ID = id
		return nil
	})
	if err != nil {
		return QualityControl{}, err
	}
	s.recordAudit(ctx, input.ActorID, "create", qc.ID, nil, qc)
	return qc, nil
}

func selectProducts(ir receiving.InvoiceReceiving, selection []ProductSelection) ([]Product, error) {
	if len(selection) == 0 {
		for _, p := range ir.Products {
			selection = append(selection, ProductSelection{ProductID: p.ProductID, BatchNumber: p.BatchNumber})
		}
	}
	if len(selection) == 0 {
		return nil, fmt.Errorf("%w: invoice receiving %s has no products", shared.ErrValidation, ir.Number)
	}
	seen := make(map[string]bool, len(selection))
	products := make([]Product, 0, len(selection))
	for _, sel := range selection {
		line, ok := ir.Product(sel.ProductID, sel.BatchNumber)
		if !ok {
			return nil, fmt.Errorf("%w: product %d batch %s was not received on %s", shared.ErrValidation, sel.ProductID, sel.BatchNumber, ir.Number)
		}
		key := strconv.FormatInt(sel.ProductID, 10) + "/" + sel.BatchNumber
		if seen[key] {
			return nil, fmt.Errorf("%w: product %d batch %s selected twice", shared.ErrValidation, sel.ProductID, sel.BatchNumber)
		}
		seen[key] = true
		products = append(products, Product{
			ProductID:   line.ProductID,
			ReceivedQty: line.ReceivedQty,
			Unit:        line.Unit,
			BatchNumber: line.BatchNumber,
			ExpiryDate:  line.ExpiryDate,
			UnitCost:    line.UnitCost,
			Result:      ResultPending,
			Items:       NewItems(sel.SampleCount),
		})
	}
	return products, nil
}

// Get returns one QC record.
func (s *Service) Get(ctx context.Context, id int64) (QualityControl, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of QC records.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]QualityControl, shared.Pagination, error) {
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// UpdateItemResult records one item outcome. Only the assigned inspector or a
// QC manager may write results.
func (s *Service) UpdateItemResult(ctx context.Context, input UpdateItemInput) (QualityControl, error) {
	return s.mutate(ctx, input.QCID, input.ActorID, "update_item", "", func(qc QualityControl, now time.Time) (QualityControl, error) {
		if err := s.requireOwner(ctx, qc, input.ActorID); err != nil {
			return qc, err
		}
		return ApplyItemResult(qc, ItemResult{
			ProductID: input.ProductID,
			ItemID:    input.ItemID,
			Status:    input.Status,
			Reason:    input.Reason,
			Notes:     input.Notes,
			ActorID:   input.ActorID,
		}, now)
	})
}

// Submit hands the record over for approval. Like item results, only the
// assigned inspector or a QC manager may submit.
func (s *Service) Submit(ctx context.Context, id int64, remarks string, actorID int64) (QualityControl, error) {
	return s.mutate(ctx, id, actorID, "submit", shared.ApprovalSubmit, func(qc QualityControl, now time.Time) (QualityControl, error) {
		if err := s.requireOwner(ctx, qc, actorID); err != nil {
			return qc, err
		}
		return SubmitRecord(qc, remarks, actorID, now)
	})
}

// requireOwner admits the assigned inspector and holders of qc.manage.
func (s *Service) requireOwner(ctx context.Context, qc QualityControl, actorID int64) error {
	if qc.AssignedTo == actorID {
		return nil
	}
	grants, err := s.grants.Grants(ctx, actorID)
	if err != nil {
		return err
	}
	if !grants.HasPermission(shared.PermQCManage) {
		return fmt.Errorf("%w: qc %s is assigned to another inspector", shared.ErrForbidden, qc.Number)
	}
	return nil
}

// Approve closes the record as approved.
func (s *Service) Approve(ctx context.Context, id int64, remarks string, actorID int64) (QualityControl, error) {
	return s.mutate(ctx, id, actorID, "approve", shared.ApprovalApprove, func(qc QualityControl, now time.Time) (QualityControl, error) {
		return ApproveRecord(qc, remarks, actorID, now)
	})
}

// Reject closes the record as rejected.
func (s *Service) Reject(ctx context.Context, id int64, reason string, actorID int64) (QualityControl, error) {
	return s.mutate(ctx, id, actorID, "reject", shared.ApprovalReject, func(qc QualityControl, now time.Time) (QualityControl, error) {
		return RejectRecord(qc, reason, actorID, now)
	})
}

// Approvals lists the approval log of a QC record.
func (s *Service) Approvals(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	return s.approvals.List(ctx, shared.ApprovalModuleQC, shared.ApprovalRef(shared.ApprovalModuleQC, id))
}

// EligibleForWarehouse loads the record and applies the warehouse gate.
func (s *Service) EligibleForWarehouse(ctx context.Context, id int64) (QualityControl, error) {
	qc, err := s.repo.Get(ctx, id)
	if err != nil {
		return QualityControl{}, err
	}
	if err := EligibleForWarehouse(qc); err != nil {
		return QualityControl{}, err
	}
	return qc, nil
}

func (s *Service) mutate(ctx context.Context, id, actorID int64, action string, approval shared.ApprovalAction, apply func(QualityControl, time.Time) (QualityControl, error)) (QualityControl, error) {
	var before, after QualityControl
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
		return QualityControl{}, err
	}
	if approval != "" && s.approvals != nil {
		note := fmt.Sprintf("QC %s %s", after.Number, after.Status)
		if after.RejectionReason != "" {
			note = after.RejectionReason
		}
		if err := s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  shared.ApprovalModuleQC,
			RefID:   shared.ApprovalRef(shared.ApprovalModuleQC, id),
			ActorID: actorID,
			Action:  approval,
			Note:    note,
			At:      now,
		}); err != nil {
			s.logger.Error("record qc approval", slog.Int64("qc_id", id), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, actorID, action, id, snapshot(before), snapshot(after))
	return after, nil
}

type qcState struct {
	Status  Status           `json:"status"`
	Results map[int64]Result `json:"results"`
	Version int64            `json:"version"`
}

func snapshot(qc QualityControl) qcState {
	results := make(map[int64]Result, len(qc.Products))
	for _, p := range qc.Products {
		results[p.ProductID] = p.Result
	}
	return qcState{Status: qc.Status, Results: results, Version: qc.Version}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, before, after any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:    actorID,
		Action:     action,
		Resource:   "quality_control",
		ResourceID: strconv.FormatInt(id, 10),
		Before:     before,
		After:      after,
		At:         s.now(),
	}); err != nil {
		s.logger.Error("record qc audit", slog.Int64("qc_id", id), slog.Any("error", err))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
