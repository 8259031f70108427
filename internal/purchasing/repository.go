package purchasing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmadist/pharmadist/internal/platform/db"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Repository persists purchase orders in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn inside a row-locking transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithRowLockTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const selectPO = `SELECT id, po_number, principal_id, warehouse_id, current_stage, status, remarks,
       total_amount, version, created_by, updated_by, created_at, updated_at
FROM purchase_orders`

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.Number, &po.PrincipalID, &po.WarehouseID, &po.CurrentStage, &po.Status, &po.Remarks,
		&po.TotalAmount, &po.Version, &po.CreatedBy, &po.UpdatedBy, &po.CreatedAt, &po.UpdatedAt)
	return po, err
}

func getPO(ctx context.Context, q db.Querier, id int64, lock bool) (PurchaseOrder, error) {
	sql := selectPO + ` WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	po, err := scanPO(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, fmt.Errorf("%w: purchase order %d", shared.ErrNotFound, id)
		}
		return PurchaseOrder{}, err
	}
	po.Lines, err = listLines(ctx, q, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func listLines(ctx context.Context, q db.Querier, poID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT line_no, product_id, quantity, unit_price, discount, gst_percentage, total_amount
FROM purchase_order_lines WHERE po_id = $1 ORDER BY line_no`, poID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Line, error) {
		var l Line
		err := row.Scan(&l.LineNo, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.Discount, &l.GSTPercentage, &l.TotalAmount)
		return l, err
	})
}

// Get returns a purchase order with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	return getPO(ctx, r.pool, id, false)
}

// List returns the filtered page and the total row count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Stage != "" {
		add("current_stage = $%d", strings.ToUpper(filter.Stage))
	}
	if filter.Status != "" {
		add("status = $%d", strings.ToLower(filter.Status))
	}
	if filter.PrincipalID > 0 {
		add("principal_id = $%d", filter.PrincipalID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filter.PerPage, shared.Offset(filter.Page, filter.PerPage))
	sql := fmt.Sprintf(`%s%s ORDER BY id DESC LIMIT $%d OFFSET $%d`, selectPO, cond, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PurchaseOrder, error) {
		return scanPO(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// History returns the transition log of an order in sequence order.
func (r *Repository) History(ctx context.Context, poID int64) ([]HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT seq, from_stage, stage, action, action_by, action_date, remarks
FROM purchase_order_history WHERE po_id = $1 ORDER BY seq`, poID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (HistoryEntry, error) {
		var h HistoryEntry
		err := row.Scan(&h.Seq, &h.FromStage, &h.Stage, &h.Action, &h.ActionBy, &h.ActionDate, &h.Remarks)
		return h, err
	})
}

func (t *txRepo) Create(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders
(po_number, principal_id, warehouse_id, current_stage, status, remarks, total_amount, version, created_by, updated_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		po.Number, po.PrincipalID, po.WarehouseID, po.CurrentStage, po.Status, po.Remarks, po.TotalAmount, po.Version,
		po.CreatedBy, po.UpdatedBy, po.CreatedAt, po.UpdatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	return getPO(ctx, t.tx, id, true)
}

func (t *txRepo) ReplaceLines(ctx context.Context, poID int64, lines []Line) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM purchase_order_lines WHERE po_id = $1`, poID); err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`INSERT INTO purchase_order_lines
(po_id, line_no, product_id, quantity, unit_price, discount, gst_percentage, total_amount)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			poID, l.LineNo, l.ProductID, l.Quantity, l.UnitPrice, l.Discount, l.GSTPercentage, l.TotalAmount)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *txRepo) UpdateState(ctx context.Context, po PurchaseOrder) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders
SET current_stage = $2, status = $3, remarks = $4, total_amount = $5, version = $6, updated_by = $7, updated_at = $8
WHERE id = $1 AND version = $6 - 1`,
		po.ID, po.CurrentStage, po.Status, po.Remarks, po.TotalAmount, po.Version, po.UpdatedBy, po.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: purchase order %d version moved", shared.ErrConflict, po.ID)
	}
	return nil
}

func (t *txRepo) AppendHistory(ctx context.Context, poID int64, entry HistoryEntry) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_order_history
(po_id, seq, from_stage, stage, action, action_by, action_date, remarks)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7 FROM purchase_order_history WHERE po_id = $1
RETURNING seq`,
		poID, entry.FromStage, entry.Stage, entry.Action, entry.ActionBy, entry.ActionDate, entry.Remarks).Scan(&seq)
	return seq, err
}
