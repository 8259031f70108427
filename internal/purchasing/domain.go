// Package purchasing moves purchase orders through the configured approval
// workflow and keeps their append-only transition history.
package purchasing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmadist/pharmadist/internal/shared"
)

// Payload field names with dedicated slots. Any other required field is looked
// up in Payload.Fields.
const (
	FieldRemarks  = "remarks"
	FieldProducts = "products"
)

var hundred = decimal.NewFromInt(100)

// PurchaseOrder is the current state of one order.
type PurchaseOrder struct {
	ID           int64           `json:"id"`
	Number       string          `json:"po_number"`
	PrincipalID  int64           `json:"principal_id"`
	WarehouseID  int64           `json:"warehouse_id"`
	CurrentStage string          `json:"current_stage"`
	Status       string          `json:"status"`
	Remarks      string          `json:"remarks"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Lines        []Line          `json:"lines"`
	Version      int64           `json:"version"`
	CreatedBy    int64           `json:"created_by"`
	UpdatedBy    int64           `json:"updated_by"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Line is one ordered product.
type Line struct {
	LineNo        int             `json:"line_no"`
	ProductID     int64           `json:"product_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Discount      decimal.Decimal `json:"discount"`
	GSTPercentage decimal.Decimal `json:"gst_percentage"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	Seq        int64     `json:"seq"`
	FromStage  string    `json:"from_stage"`
	Stage      string    `json:"stage"`
	Action     string    `json:"action"`
	ActionBy   int64     `json:"action_by"`
	ActionDate time.Time `json:"action_date"`
	Remarks    string    `json:"remarks"`
}

// LineInput is a requested order line before totals are derived.
type LineInput struct {
	ProductID     int64           `json:"product_id" validate:"required,gt=0"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Discount      decimal.Decimal `json:"discount"`
	GSTPercentage decimal.Decimal `json:"gst_percentage"`
}

// Payload carries the data a transition request supplies.
type Payload struct {
	Remarks  string            `json:"remarks"`
	Products []LineInput       `json:"products" validate:"dive"`
	Fields   map[string]string `json:"fields"`
}

// Has reports whether field is present and non-empty.
func (p Payload) Has(field string) bool {
	switch field {
	case FieldRemarks:
		return strings.TrimSpace(p.Remarks) != ""
	case FieldProducts:
		return len(p.Products) > 0
	default:
		return strings.TrimSpace(p.Fields[field]) != ""
	}
}

// FirstMissing returns the first of fields the payload does not carry.
func (p Payload) FirstMissing(fields []string) (string, bool) {
	for _, f := range fields {
		if !p.Has(f) {
			return f, true
		}
	}
	return "", false
}

// LineTotal is qty * price discounted by discount percent, then taxed by gst
// percent, rounded to two decimals.
func LineTotal(qty, price, discount, gst decimal.Decimal) decimal.Decimal {
	net := qty.Mul(price).Mul(hundred.Sub(discount)).Div(hundred)
	return net.Mul(hundred.Add(gst)).Div(hundred).Round(2)
}

// BuildLines validates inputs and derives every line total and the order total.
func BuildLines(inputs []LineInput) ([]Line, decimal.Decimal, error) {
	lines := make([]Line, 0, len(inputs))
	total := decimal.Zero
	for i, in := range inputs {
		switch {
		case in.ProductID <= 0:
			return nil, decimal.Zero, fmt.Errorf("%w: line %d: product required", shared.ErrValidation, i+1)
		case !in.Quantity.IsPositive():
			return nil, decimal.Zero, fmt.Errorf("%w: line %d: quantity must be positive", shared.ErrValidation, i+1)
		case in.UnitPrice.IsNegative():
			return nil, decimal.Zero, fmt.Errorf("%w: line %d: unit price cannot be negative", shared.ErrValidation, i+1)
		case in.Discount.IsNegative() || in.Discount.GreaterThan(hundred):
			return nil, decimal.Zero, fmt.Errorf("%w: line %d: discount must be between 0 and 100", shared.ErrValidation, i+1)
		case in.GSTPercentage.IsNegative():
			return nil, decimal.Zero, fmt.Errorf("%w: line %d: gst cannot be negative", shared.ErrValidation, i+1)
		}
		line := Line{
			LineNo:        i + 1,
			ProductID:     in.ProductID,
			Quantity:      in.Quantity,
			UnitPrice:     in.UnitPrice,
			Discount:      in.Discount,
			GSTPercentage: in.GSTPercentage,
			TotalAmount:   LineTotal(in.Quantity, in.UnitPrice, in.Discount, in.GSTPercentage),
		}
		total = total.Add(line.TotalAmount)
		lines = append(lines, line)
	}
	return lines, total, nil
}

// ListFilter narrows purchase order listings.
type ListFilter struct {
	Stage       string
	Status      string
	PrincipalID int64
	Page        int
	PerPage     int
}

// AvailableAction is an action the actor may perform on an order right now.
type AvailableAction struct {
	Action         string   `json:"action"`
	ToStage        string   `json:"to_stage"`
	RequiredFields []string `json:"required_fields"`
}

// VerifyReport compares an order's stage with the replay of its history.
type VerifyReport struct {
	POID          int64  `json:"po_id"`
	CurrentStage  string `json:"current_stage"`
	ReplayedStage string `json:"replayed_stage"`
	Steps         int    `json:"steps"`
	Consistent    bool   `json:"consistent"`
	Problem       string `json:"problem,omitempty"`
}
