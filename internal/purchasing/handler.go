package purchasing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/backroom-pos/backroom/internal/platform/httpx"
	"github.com/backroom-pos/backroom/internal/shared"
)

// Handler wires HTTP endpoints for goods receipts.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the purchasing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers goods receipt routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/receipts", h.handleList)
	r.Post("/receipts", h.handleCreate)
	r.Get("/receipts/{id}", h.handleGet)
	r.Post("/receipts/{id}/post", h.handlePost)
	r.Post("/receipts/{id}/cancel", h.handleCancel)
}

type receiptRequest struct {
	Number      string             `json:"number" validate:"required,max=64"`
	SupplierRef string             `json:"supplier_ref" validate:"max=128"`
	ReceivedAt  string             `json:"received_at"`
	Note        string             `json:"note" validate:"max=500"`
	Lines       []receiptLineInput `json:"lines" validate:"required,min=1,dive"`
}

type receiptLineInput struct {
	ProductID  int64           `json:"product_id" validate:"required"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	BatchLabel string          `json:"batch_label" validate:"max=64"`
	ExpiresAt  *string         `json:"expires_at"`
}

type receiptResponse struct {
	Receipt GoodsReceipt `json:"receipt"`
	Lines   []GRNLine    `json:"lines,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	items, err := h.service.ListGoodsReceipts(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list receipts failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": items})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid receipt id")
		return
	}
	grn, lines, err := h.service.GetGoodsReceipt(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "receipt not found")
			return
		}
		h.logger.Error("get receipt failed", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptResponse{Receipt: grn, Lines: lines})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateGRNInput{
		Number:      req.Number,
		SupplierRef: req.SupplierRef,
		Note:        req.Note,
	}
	if req.ReceivedAt != "" {
		receivedAt, err := time.Parse(time.RFC3339, req.ReceivedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "received_at must be RFC3339")
			return
		}
		input.ReceivedAt = receivedAt
	}
	for _, l := range req.Lines {
		line := GRNLineInput{
			ProductID:  l.ProductID,
			Qty:        l.Qty,
			UnitCost:   l.UnitCost,
			BatchLabel: l.BatchLabel,
		}
		if l.ExpiresAt != nil && *l.ExpiresAt != "" {
			expires, err := time.Parse("2006-01-02", *l.ExpiresAt)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expires_at must be YYYY-MM-DD")
				return
			}
			line.ExpiresAt = &expires
		}
		input.Lines = append(input.Lines, line)
	}

	grn, lines, err := h.service.CreateGoodsReceipt(r.Context(), input)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("create receipt failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receiptResponse{Receipt: grn, Lines: lines})
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid receipt id")
		return
	}

	grn, err := h.service.PostGoodsReceipt(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "receipt not found")
		case errors.Is(err, ErrInvalidState):
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		case errors.Is(err, shared.ErrIdempotencyConflict):
			httpx.Problem(w, http.StatusConflict, "Conflict", "receipt is already being posted")
		default:
			h.logger.Error("post receipt failed", slog.Int64("id", id), slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, receiptResponse{Receipt: grn})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid receipt id")
		return
	}
	if err := h.service.CancelGoodsReceipt(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "receipt not found")
		case errors.Is(err, ErrInvalidState):
			httpx.Problem(w, http.StatusConflict, "Conflict", "only draft receipts can be cancelled")
		default:
			h.logger.Error("cancel receipt failed", slog.Int64("id", id), slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
