package qc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmadist/pharmadist/internal/platform/db"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Repository persists QC records in Postgres. Product lines and their items
// are stored as one JSONB document per record.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
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

const selectQC = `SELECT id, qc_number, invoice_receiving_id, po_id, warehouse_id, qc_type, status, assigned_to, products, remarks,
       COALESCE(submitted_by, 0), submitted_at, COALESCE(approved_by, 0), approved_at, COALESCE(rejected_by, 0), rejected_at,
       rejection_reason, version, created_by, created_at, updated_at
FROM quality_controls`

func scanQC(row pgx.Row) (QualityControl, error) {
	var (
		qc                                  QualityControl
		products                            []byte
		submittedAt, approvedAt, rejectedAt pgtype.Timestamptz
	)
	err := row.Scan(&qc.ID, &qc.Number, &qc.InvoiceReceivingID, &qc.PurchaseOrderID, &qc.WarehouseID, &qc.Type, &qc.Status,
		&qc.AssignedTo, &products, &qc.Remarks, &qc.SubmittedBy, &submittedAt, &qc.ApprovedBy, &approvedAt, &qc.RejectedBy,
		&rejectedAt, &qc.RejectionReason, &qc.Version, &qc.CreatedBy, &qc.CreatedAt, &qc.UpdatedAt)
	if err != nil {
		return QualityControl{}, err
	}
	if err := json.Unmarshal(products, &qc.Products); err != nil {
		return QualityControl{}, fmt.Errorf("qc: decode products of %d: %w", qc.ID, err)
	}
	qc.SubmittedAt = db.TimePtr(submittedAt)
	qc.ApprovedAt = db.TimePtr(approvedAt)
	qc.RejectedAt = db.TimePtr(rejectedAt)
	return qc, nil
}

func getQC(ctx context.Context, q db.Querier, id int64, lock bool) (QualityControl, error) {
	sql := selectQC + ` WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	qc, err := scanQC(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QualityControl{}, fmt.Errorf("%w: quality control %d", shared.ErrNotFound, id)
		}
		return QualityControl{}, err
	}
	return qc, nil
}

// Get returns one QC record.
func (r *Repository) Get(ctx context.Context, id int64) (QualityControl, error) {
	return getQC(ctx, r.pool, id, false)
}

// List returns the filtered page and the total row count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]QualityControl, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.AssignedTo > 0 {
		add("assigned_to = $%d", filter.AssignedTo)
	}
	if filter.InvoiceReceivingID > 0 {
		add("invoice_receiving_id = $%d", filter.InvoiceReceivingID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM quality_controls`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filter.PerPage, shared.Offset(filter.Page, filter.PerPage))
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`%s%s ORDER BY id DESC LIMIT $%d OFFSET $%d`, selectQC, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (QualityControl, error) {
		return scanQC(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (t *txRepo) Create(ctx context.Context, qc QualityControl) (int64, error) {
	products, err := json.Marshal(qc.Products)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO quality_controls
(qc_number, invoice_receiving_id, po_id, warehouse_id, qc_type, status, assigned_to, products, remarks, version, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		qc.Number, qc.InvoiceReceivingID, qc.PurchaseOrderID, qc.WarehouseID, string(qc.Type), string(qc.Status), qc.AssignedTo,
		products, qc.Remarks, qc.Version, qc.CreatedBy, qc.CreatedAt, qc.UpdatedAt).Scan(&id)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: qc number %s", shared.ErrConflict, qc.Number)
		}
		return 0, err
	}
	for _, line := range qc.Lines() {
		_, err := t.tx.Exec(ctx, `INSERT INTO quality_control_lines (quality_control_id, invoice_receiving_id, product_id, batch_number)
VALUES ($1, $2, $3, $4)`, id, qc.InvoiceReceivingID, line.ProductID, line.BatchNumber)
		if err != nil {
			if shared.IsUniqueViolation(err) {
				return 0, fmt.Errorf("%w: product %d batch %s is already under inspection", shared.ErrConflict, line.ProductID, line.BatchNumber)
			}
			return 0, err
		}
	}
	return id, nil
}

func (t *txRepo) OpenLines(ctx context.Context, invoiceReceivingID int64) (map[LineKey]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT l.product_id, l.batch_number, q.qc_number
FROM quality_control_lines l JOIN quality_controls q ON q.id = l.quality_control_id
WHERE l.invoice_receiving_id = $1 AND l.active
FOR UPDATE OF l`, invoiceReceivingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	open := make(map[LineKey]string)
	for rows.Next() {
		var (
			key    LineKey
			number string
		)
		if err := rows.Scan(&key.ProductID, &key.BatchNumber, &number); err != nil {
			return nil, err
		}
		open[key] = number
	}
	return open, rows.Err()
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (QualityControl, error) {
	return getQC(ctx, t.tx, id, true)
}

func (t *txRepo) Update(ctx context.Context, qc QualityControl) error {
	products, err := json.Marshal(qc.Products)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE quality_controls
SET status = $2, products = $3, remarks = $4,
    submitted_by = NULLIF($5::bigint, 0), submitted_at = $6, approved_by = NULLIF($7::bigint, 0), approved_at = $8,
    rejected_by = NULLIF($9::bigint, 0), rejected_at = $10, rejection_reason = $11, version = $12, updated_at = $13
WHERE id = $1 AND version = $12 - 1`,
		qc.ID, string(qc.Status), products, qc.Remarks,
		qc.SubmittedBy, qc.SubmittedAt, qc.ApprovedBy, qc.ApprovedAt,
		qc.RejectedBy, qc.RejectedAt, qc.RejectionReason, qc.Version, qc.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: quality control %d version moved", shared.ErrConflict, qc.ID)
	}
	if !qc.HoldsLines() {
		if _, err := t.tx.Exec(ctx, `UPDATE quality_control_lines SET active = FALSE WHERE quality_control_id = $1`, qc.ID); err != nil {
			return err
		}
	}
	return nil
}
