package purchasing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/backroom-pos/backroom/internal/costing"
)

// CostingPort is the slice of the costing engine purchasing needs: posting a
// receipt line creates one cost layer.
type CostingPort interface {
	Receive(ctx context.Context, input costing.ReceiveInput) (costing.CostLayer, error)
}

// IdempotencyPort guards posting against double submission.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service manages goods receipts and drives the costing engine on posting.
type Service struct {
	repo        RepositoryPort
	costing     CostingPort
	idempotency IdempotencyPort
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service. The idempotency store may be nil.
func NewService(repo RepositoryPort, costingSvc CostingPort, idem IdempotencyPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		costing:     costingSvc,
		idempotency: idem,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateGoodsReceipt records a draft receipt with its lines. Nothing touches
// stock until the receipt is posted.
func (s *Service) CreateGoodsReceipt(ctx context.Context, input CreateGRNInput) (GoodsReceipt, []GRNLine, error) {
	if input.Number == "" {
		return GoodsReceipt{}, nil, fmt.Errorf("%w: number required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return GoodsReceipt{}, nil, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for i, line := range input.Lines {
		if line.ProductID == 0 {
			return GoodsReceipt{}, nil, fmt.Errorf("%w: line %d: product required", ErrValidation, i+1)
		}
		if line.Qty.Sign() <= 0 {
			return GoodsReceipt{}, nil, fmt.Errorf("%w: line %d: qty must be positive", ErrValidation, i+1)
		}
		if line.UnitCost.Sign() < 0 {
			return GoodsReceipt{}, nil, fmt.Errorf("%w: line %d: unit cost cannot be negative", ErrValidation, i+1)
		}
	}

	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	grn := GoodsReceipt{
		Number:      input.Number,
		SupplierRef: input.SupplierRef,
		Status:      GRNStatusDraft,
		ReceivedAt:  receivedAt,
		Note:        input.Note,
	}

	var lines []GRNLine
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		id, err := tx.InsertReceipt(ctx, grn)
		if err != nil {
			return err
		}
		grn.ID = id

		for _, in := range input.Lines {
			line := GRNLine{
				GRNID:      id,
				ProductID:  in.ProductID,
				Qty:        in.Qty,
				UnitCost:   in.UnitCost,
				BatchLabel: in.BatchLabel,
				ExpiresAt:  in.ExpiresAt,
			}
			lineID, err := tx.InsertLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			lines = append(lines, line)
		}
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, nil, err
	}

	s.logger.Info("goods receipt created",
		slog.Int64("receipt_id", grn.ID),
		slog.String("number", grn.Number),
		slog.Int("lines", len(lines)))
	return grn, lines, nil
}

// PostGoodsReceipt transitions a draft receipt to POSTED and creates one cost
// layer per line. An idempotency key on the receipt number blocks concurrent
// double posting; the key is released if posting fails so the caller can
// retry. Each line carries a stable reference id, and the costing engine
// replays an already-layered reference, so a retry after a mid-receipt
// failure cannot layer a line twice.
func (s *Service) PostGoodsReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	grn, lines, err := s.repo.GetReceipt(ctx, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if grn.Status != GRNStatusDraft {
		return GoodsReceipt{}, fmt.Errorf("%w: receipt %s is %s", ErrInvalidState, grn.Number, grn.Status)
	}

	idemKey := fmt.Sprintf("GRN:%s", grn.Number)
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "purchasing"); err != nil {
			return GoodsReceipt{}, err
		}
	}

	post := func() error {
		if err := s.repo.WithTx(ctx, func(tx TxRepository) error {
			return tx.UpdateStatus(ctx, grn.ID, GRNStatusDraft, GRNStatusPosted)
		}); err != nil {
			return err
		}

		for _, line := range lines {
			refID := lineReferenceID(grn.Number, line.ID)
			if _, err := s.costing.Receive(ctx, costing.ReceiveInput{
				ProductID:   line.ProductID,
				Quantity:    line.Qty,
				UnitCost:    line.UnitCost,
				BatchLabel:  line.BatchLabel,
				ExpiresAt:   line.ExpiresAt,
				ReferenceID: refID,
				ReceivedAt:  grn.ReceivedAt,
			}); err != nil {
				return fmt.Errorf("post line %d: %w", line.ID, err)
			}
		}
		return nil
	}

	if err := post(); err != nil {
		// Put the receipt back so the caller can retry once the cause is
		// fixed.
		if revertErr := s.repo.WithTx(ctx, func(tx TxRepository) error {
			return tx.UpdateStatus(ctx, grn.ID, GRNStatusPosted, GRNStatusDraft)
		}); revertErr != nil && !errors.Is(revertErr, ErrInvalidState) {
			s.logger.Error("revert receipt status",
				slog.Int64("receipt_id", grn.ID), slog.Any("error", revertErr))
		}
		if s.idempotency != nil {
			if delErr := s.idempotency.Delete(ctx, idemKey); delErr != nil {
				s.logger.Error("release idempotency key",
					slog.String("key", idemKey), slog.Any("error", delErr))
			}
		}
		return GoodsReceipt{}, err
	}

	grn.Status = GRNStatusPosted
	s.logger.Info("goods receipt posted",
		slog.Int64("receipt_id", grn.ID),
		slog.String("number", grn.Number),
		slog.Int("lines", len(lines)))
	return grn, nil
}

// CancelGoodsReceipt voids a draft receipt. Posted receipts cannot be
// cancelled; their stock is already layered.
func (s *Service) CancelGoodsReceipt(ctx context.Context, id int64) error {
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		return tx.UpdateStatus(ctx, id, GRNStatusDraft, GRNStatusCancelled)
	})
	if errors.Is(err, ErrInvalidState) {
		// Distinguish missing from non-draft for the caller.
		if _, _, getErr := s.repo.GetReceipt(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
	}
	return err
}

// GetGoodsReceipt returns a receipt with its lines.
func (s *Service) GetGoodsReceipt(ctx context.Context, id int64) (GoodsReceipt, []GRNLine, error) {
	return s.repo.GetReceipt(ctx, id)
}

// ListGoodsReceipts returns receipts newest first.
func (s *Service) ListGoodsReceipts(ctx context.Context, limit, offset int) ([]GoodsReceipt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListReceipts(ctx, limit, offset)
}

// lineReferenceID derives a stable UUID for a receipt line so reposting the
// same document produces the same ledger references.
func lineReferenceID(number string, lineID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("GRN:%s:%d", number, lineID))).String()
}
