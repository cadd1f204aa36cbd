package sales

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Sale lifecycle statuses. A sale consumes stock when committed and may be
// voided at most once afterwards; the status transition is the guard.
type SaleStatus string

const (
	SaleStatusDraft     SaleStatus = "DRAFT"
	SaleStatusCommitted SaleStatus = "COMMITTED"
	SaleStatusVoided    SaleStatus = "VOIDED"
)

// Sale is a point-of-sale ticket.
type Sale struct {
	ID        int64
	Number    string
	Status    SaleStatus
	SoldAt    time.Time
	CreatedAt time.Time
}

// SaleLine is one sold product. CostTotal and CostPerUnit are filled at
// commit time from the FIFO allocation. ReversedAt is set when the line's
// allocation has been replayed back into stock during a void.
type SaleLine struct {
	ID          int64
	SaleID      int64
	ProductID   int64
	Qty         decimal.Decimal
	UnitPrice   decimal.Decimal
	CostTotal   decimal.Decimal
	CostPerUnit decimal.Decimal
	ReversedAt  *time.Time
}

// CreateSaleInput describes a draft ticket.
type CreateSaleInput struct {
	Number string
	SoldAt time.Time
	Lines  []SaleLineInput
}

// SaleLineInput is one line of the draft.
type SaleLineInput struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitPrice decimal.Decimal
}

// ErrValidation indicates malformed sale input.
var ErrValidation = errors.New("sales: validation failed")

// ErrInvalidState indicates a lifecycle transition that is not allowed.
var ErrInvalidState = errors.New("sales: invalid sale state")

// ErrNotFound indicates an unknown sale.
var ErrNotFound = errors.New("sales: sale not found")
