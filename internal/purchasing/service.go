package purchasing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/shared"
	"github.com/pharmadist/pharmadist/internal/workflow"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (PurchaseOrder, error)
	List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, int, error)
	History(ctx context.Context, poID int64) ([]HistoryEntry, error)
}

// TxRepository exposes the writes performed inside one transaction.
type TxRepository interface {
	Create(ctx context.Context, po PurchaseOrder) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	ReplaceLines(ctx context.Context, poID int64, lines []Line) error
	UpdateState(ctx context.Context, po PurchaseOrder) error
	AppendHistory(ctx context.Context, poID int64, entry HistoryEntry) (int64, error)
}

// GraphSource yields the active workflow graph.
type GraphSource interface {
	Graph(ctx context.Context) (*workflow.Graph, error)
}

// GrantsSource resolves what a user may do.
type GrantsSource interface {
	Grants(ctx context.Context, userID int64) (authz.Grants, error)
}

// AuditPort records state-change events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// TransitionObserver counts applied transitions.
type TransitionObserver interface {
	ObserveTransition(action, toStage string)
}

// Service orchestrates purchase order workflow operations.
type Service struct {
	repo    RepositoryPort
	graphs  GraphSource
	grants  GrantsSource
	audit   AuditPort
	metrics TransitionObserver
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the purchasing service.
func NewService(repo RepositoryPort, graphs GraphSource, grants GrantsSource, audit AuditPort, metrics TransitionObserver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		graphs:  graphs,
		grants:  grants,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput describes a new purchase order.
type CreateInput struct {
	Number      string
	PrincipalID int64
	WarehouseID int64
	Remarks     string
	Lines       []LineInput
	ActorID     int64
}

// TransitionInput requests one workflow move.
type TransitionInput struct {
	POID    int64
	Action  string
	Payload Payload
	ActorID int64
}

// Create stores a purchase order in the initial workflow stage.
func (s *Service) Create(ctx context.Context, input CreateInput) (PurchaseOrder, error) {
	if input.PrincipalID <= 0 || input.WarehouseID <= 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: principal and warehouse are required", shared.ErrValidation)
	}
	lines, total, err := BuildLines(input.Lines)
	if err != nil {
		return PurchaseOrder{}, err
	}
	g, err := s.graphs.Graph(ctx)
	if err != nil {
		return PurchaseOrder{}, err
	}
	initial := g.Initial()
	if input.Number == "" {
		input.Number = generateNumber("PO")
	}
	now := s.now()
	po := PurchaseOrder{
		Number:       input.Number,
		PrincipalID:  input.PrincipalID,
		WarehouseID:  input.WarehouseID,
		CurrentStage: initial.Code,
		Status:       initial.Status,
		Remarks:      input.Remarks,
		TotalAmount:  total,
		Lines:        lines,
		Version:      1,
		CreatedBy:    input.ActorID,
		UpdatedBy:    input.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Create(ctx, po)
		if err != nil {
			if shared.IsUniqueViolation(err) {
				return fmt.Errorf("%w: po number %s already exists", shared.ErrConflict, po.Number)
			}
			return err
		}
		po.ID = id
		return tx.ReplaceLines(ctx, id, lines)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.ActorID, "create", po.ID, nil, po)
	return po, nil
}

// Get returns a purchase order with its lines.
func (s *Service) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of purchase orders and the pagination metadata.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, shared.Pagination, error) {
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// History returns the applied transitions of an order in order.
func (s *Service) History(ctx context.Context, poID int64) ([]HistoryEntry, error) {
	if _, err := s.repo.Get(ctx, poID); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, poID)
}

// CanPerform reports whether actorID may perform action on po in its current
// stage. Store failures are returned, never treated as permission.
func (s *Service) CanPerform(ctx context.Context, actorID int64, po PurchaseOrder, action string) (bool, error) {
	g, err := s.graphs.Graph(ctx)
	if err != nil {
		return false, err
	}
	grants, err := s.grants.Grants(ctx, actorID)
	if err != nil {
		return false, err
	}
	return g.CanPerform(grants, po.CurrentStage, action), nil
}

// AvailableActions lists the transitions actorID may trigger on the order now.
func (s *Service) AvailableActions(ctx context.Context, actorID, poID int64) ([]AvailableAction, error) {
	po, err := s.repo.Get(ctx, poID)
	if err != nil {
		return nil, err
	}
	g, err := s.graphs.Graph(ctx)
	if err != nil {
		return nil, err
	}
	grants, err := s.grants.Grants(ctx, actorID)
	if err != nil {
		return nil, err
	}
	stage, ok := g.Stage(po.CurrentStage)
	if !ok {
		return []AvailableAction{}, nil
	}
	actions := make([]AvailableAction, 0, len(stage.AllowedActions))
	for _, action := range stage.AllowedActions {
		t, ok := g.Lookup(stage.Code, action)
		if !ok || !g.CanPerform(grants, stage.Code, action) {
			continue
		}
		actions = append(actions, AvailableAction{Action: action, ToStage: t.To, RequiredFields: t.RequiredFields})
	}
	return actions, nil
}

// Transition applies action to the order. The checks run in a fixed order:
// structure, permission, required fields. Nothing is written unless all pass.
func (s *Service) Transition(ctx context.Context, input TransitionInput) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, input.POID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	g, err := s.graphs.Graph(ctx)
	if err != nil {
		return PurchaseOrder{}, err
	}
	stage, ok := g.Stage(po.CurrentStage)
	if !ok {
		return PurchaseOrder{}, fmt.Errorf("%w: order %s is in unknown stage %s", shared.ErrInvalidTransition, po.Number, po.CurrentStage)
	}
	t, ok := g.Lookup(stage.Code, input.Action)
	if !stage.Allows(input.Action) || !ok {
		return PurchaseOrder{}, fmt.Errorf("%w: %q is not defined from %s", shared.ErrInvalidTransition, input.Action, stage.Code)
	}
	allowed, err := s.CanPerform(ctx, input.ActorID, po, input.Action)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if !allowed {
		return PurchaseOrder{}, fmt.Errorf("%w: %s on %s", shared.ErrForbidden, input.Action, stage.Code)
	}
	if field, missing := input.Payload.FirstMissing(t.RequiredFields); missing {
		return PurchaseOrder{}, shared.MissingField(field)
	}
	target, ok := g.Stage(t.To)
	if !ok {
		return PurchaseOrder{}, fmt.Errorf("%w: target stage %s", shared.ErrInvalidTransition, t.To)
	}

	var lines []Line
	replaceLines := stage.Editable && len(input.Payload.Products) > 0
	total := po.TotalAmount
	if replaceLines {
		if lines, total, err = BuildLines(input.Payload.Products); err != nil {
			return PurchaseOrder{}, err
		}
	}

	before := po
	now := s.now()
	var updated PurchaseOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, po.ID)
		if err != nil {
			return err
		}
		if locked.CurrentStage != po.CurrentStage || locked.Version != po.Version {
			return fmt.Errorf("%w: order %s changed concurrently", shared.ErrConflict, po.Number)
		}
		next := locked
		next.CurrentStage = target.Code
		next.Status = target.Status
		next.TotalAmount = total
		next.Version = locked.Version + 1
		next.UpdatedBy = input.ActorID
		next.UpdatedAt = now
		if remarks := input.Payload.Remarks; remarks != "" {
			next.Remarks = remarks
		}
		if replaceLines {
			if err := tx.ReplaceLines(ctx, po.ID, lines); err != nil {
				return err
			}
			next.Lines = lines
		}
		if err := tx.UpdateState(ctx, next); err != nil {
			return err
		}
		if _, err := tx.AppendHistory(ctx, po.ID, HistoryEntry{
			FromStage:  stage.Code,
			Stage:      target.Code,
			Action:     t.Action,
			ActionBy:   input.ActorID,
			ActionDate: now,
			Remarks:    input.Payload.Remarks,
		}); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveTransition(t.Action, target.Code)
	}
	s.recordAudit(ctx, input.ActorID, t.Action, po.ID, stateOf(before), stateOf(updated))
	s.logger.Info("purchase order transition",
		slog.Int64("po_id", po.ID),
		slog.String("action", t.Action),
		slog.String("from", stage.Code),
		slog.String("to", target.Code),
		slog.Int64("actor_id", input.ActorID))
	return updated, nil
}

// Verify replays the order's history from the initial stage and compares the
// result with the stored stage.
func (s *Service) Verify(ctx context.Context, poID int64) (VerifyReport, error) {
	po, err := s.repo.Get(ctx, poID)
	if err != nil {
		return VerifyReport{}, err
	}
	history, err := s.repo.History(ctx, poID)
	if err != nil {
		return VerifyReport{}, err
	}
	g, err := s.graphs.Graph(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	steps := make([]workflow.Step, 0, len(history))
	for _, h := range history {
		steps = append(steps, workflow.Step{FromStage: h.FromStage, Stage: h.Stage, Action: h.Action})
	}
	report := VerifyReport{POID: po.ID, CurrentStage: po.CurrentStage, Steps: len(steps)}
	replayed, err := g.Replay(steps)
	report.ReplayedStage = replayed
	if err != nil {
		report.Problem = err.Error()
		return report, nil
	}
	report.Consistent = replayed == po.CurrentStage
	if !report.Consistent {
		report.Problem = fmt.Sprintf("history ends at %s", replayed)
	}
	return report, nil
}

type poState struct {
	Stage       string          `json:"stage"`
	Status      string          `json:"status"`
	Version     int64           `json:"version"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

func stateOf(po PurchaseOrder) poState {
	return poState{Stage: po.CurrentStage, Status: po.Status, Version: po.Version, TotalAmount: po.TotalAmount}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, poID int64, before, after any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:    actorID,
		Action:     action,
		Resource:   "purchase_order",
		ResourceID: strconv.FormatInt(poID, 10),
		Before:     before,
		After:      after,
		At:         s.now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("record purchase order audit", slog.Int64("po_id", poID), slog.Any("error", err))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
