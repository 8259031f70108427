// Package receiving reads invoice receivings recorded by the receiving desk.
// The records are owned upstream; this package never writes them.
package receiving

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceReceiving is one supplier invoice received against a purchase order.
type InvoiceReceiving struct {
	ID              int64
	Number          string
	PurchaseOrderID int64
	WarehouseID     int64
	ReceivedAt      time.Time
	Products        []Product
}

// Product is one received line of an invoice.
type Product struct {
	ProductID   int64
	ReceivedQty decimal.Decimal
	Unit        string
	BatchNumber string
	ExpiryDate  *time.Time
	UnitCost    decimal.Decimal
}

// Product returns the received line for productID and batch.
func (ir InvoiceReceiving) Product(productID int64, batch string) (Product, bool) {
	for _, p := range ir.Products {
		if p.ProductID == productID && p.BatchNumber == batch {
			return p, true
		}
	}
	return Product{}, false
}
