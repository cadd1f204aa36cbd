package sales

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/backroom-pos/backroom/internal/costing"
	"github.com/backroom-pos/backroom/internal/platform/httpx"
)

// Handler wires HTTP endpoints for sale tickets.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the sales handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers sale routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/sales", h.handleList)
	r.Post("/sales", h.handleCreate)
	r.Get("/sales/{id}", h.handleGet)
	r.Post("/sales/{id}/commit", h.handleCommit)
	r.Post("/sales/{id}/void", h.handleVoid)
}

type saleRequest struct {
	Number string          `json:"number" validate:"required,max=64"`
	SoldAt string          `json:"sold_at"`
	Lines  []saleLineInput `json:"lines" validate:"required,min=1,dive"`
}

type saleLineInput struct {
	ProductID int64           `json:"product_id" validate:"required"`
	Qty       decimal.Decimal `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type saleResponse struct {
	Sale  Sale       `json:"sale"`
	Lines []SaleLine `json:"lines,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	items, err := h.service.ListSales(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list sales failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sales": items})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sale id")
		return
	}
	sale, lines, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "sale not found")
			return
		}
		h.logger.Error("get sale failed", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, saleResponse{Sale: sale, Lines: lines})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateSaleInput{Number: req.Number}
	if req.SoldAt != "" {
		soldAt, err := time.Parse(time.RFC3339, req.SoldAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "sold_at must be RFC3339")
			return
		}
		input.SoldAt = soldAt
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, SaleLineInput{ProductID: l.ProductID, Qty: l.Qty, UnitPrice: l.UnitPrice})
	}

	sale, lines, err := h.service.CreateSale(r.Context(), input)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("create sale failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, saleResponse{Sale: sale, Lines: lines})
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sale id")
		return
	}

	sale, lines, err := h.service.CommitSale(r.Context(), id)
	if err != nil {
		var insufficient *costing.InsufficientStockError
		switch {
		case errors.Is(err, ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "sale not found")
		case errors.Is(err, ErrInvalidState):
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		case errors.As(err, &insufficient):
			httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
				"title":      "Insufficient Stock",
				"product_id": insufficient.ProductID,
				"requested":  insufficient.Requested,
				"available":  insufficient.Available,
				"shortfall":  insufficient.Shortfall(),
			})
		case errors.Is(err, costing.ErrConcurrencyConflict):
			httpx.Problem(w, http.StatusConflict, "Conflict", "stock contention, retry the commit")
		default:
			h.logger.Error("commit sale failed", slog.Int64("id", id), slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, saleResponse{Sale: sale, Lines: lines})
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sale id")
		return
	}

	sale, err := h.service.VoidSale(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "sale not found")
		case errors.Is(err, ErrInvalidState):
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		default:
			h.logger.Error("void sale failed", slog.Int64("id", id), slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, saleResponse{Sale: sale})
}
