package purchasing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Goods receipt lifecycle statuses.
type GRNStatus string

const (
	GRNStatusDraft     GRNStatus = "DRAFT"
	GRNStatusPosted    GRNStatus = "POSTED"
	GRNStatusCancelled GRNStatus = "CANCELLED"
)

// GoodsReceipt models a received delivery. Posting it creates one cost layer
// per line in the costing engine.
type GoodsReceipt struct {
	ID          int64
	Number      string
	SupplierRef string
	Status      GRNStatus
	ReceivedAt  time.Time
	Note        string
	CreatedAt   time.Time
}

// GRNLine is one received product at one unit cost.
type GRNLine struct {
	ID         int64
	GRNID      int64
	ProductID  int64
	Qty        decimal.Decimal
	UnitCost   decimal.Decimal
	BatchLabel string
	ExpiresAt  *time.Time
}

// CreateGRNInput describes a draft receipt.
type CreateGRNInput struct {
	Number      string
	SupplierRef string
	ReceivedAt  time.Time
	Note        string
	Lines       []GRNLineInput
}

// GRNLineInput is one line of the draft.
type GRNLineInput struct {
	ProductID  int64
	Qty        decimal.Decimal
	UnitCost   decimal.Decimal
	BatchLabel string
	ExpiresAt  *time.Time
}

// ErrValidation indicates malformed receipt input.
var ErrValidation = errors.New("purchasing: validation failed")

// ErrInvalidState indicates a lifecycle transition that is not allowed.
var ErrInvalidState = errors.New("purchasing: invalid receipt state")

// ErrNotFound indicates an unknown receipt.
var ErrNotFound = errors.New("purchasing: receipt not found")
