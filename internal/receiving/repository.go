package receiving

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmadist/pharmadist/internal/platform/db"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Repository loads invoice receivings from Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the invoice receiving with its product lines.
func (r *Repository) Get(ctx context.Context, id int64) (InvoiceReceiving, error) {
	var ir InvoiceReceiving
	err := r.pool.QueryRow(ctx, `SELECT id, invoice_number, po_id, warehouse_id, received_at
FROM invoice_receivings WHERE id = $1`, id).Scan(&ir.ID, &ir.Number, &ir.PurchaseOrderID, &ir.WarehouseID, &ir.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InvoiceReceiving{}, fmt.Errorf("%w: invoice receiving %d", shared.ErrNotFound, id)
		}
		return InvoiceReceiving{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT product_id, received_qty, unit, batch_number, expiry_date, unit_cost
FROM invoice_receiving_products WHERE invoice_receiving_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return InvoiceReceiving{}, err
	}
	ir.Products, err = pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return InvoiceReceiving{}, err
	}
	return ir, nil
}

func scanProduct(row pgx.CollectableRow) (Product, error) {
	var (
		p      Product
		expiry pgtype.Date
	)
	if err := row.Scan(&p.ProductID, &p.ReceivedQty, &p.Unit, &p.BatchNumber, &expiry, &p.UnitCost); err != nil {
		return Product{}, err
	}
	p.ExpiryDate = db.DatePtr(expiry)
	return p, nil
}
