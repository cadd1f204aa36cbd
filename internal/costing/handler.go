package costing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/backroom-pos/backroom/internal/platform/httpx"
)

// Handler exposes read-only views of the costing engine. Stock mutations go
// through the purchasing and sales modules.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the costing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers costing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products/{productID}/summary", h.handleSummary)
	r.Get("/products/{productID}/layers", h.handleLayers)
	r.Get("/products/{productID}/ledger", h.handleLedger)
	r.Get("/sale-lines/{saleLineID}/breakdown", h.handleBreakdown)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	summary, err := h.service.GetSummary(r.Context(), productID)
	if err != nil {
		if errors.Is(err, ErrSummaryNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no stock movements for product")
			return
		}
		h.logger.Error("get summary failed", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleLayers(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	layers, err := h.service.ListAvailableLayers(r.Context(), productID)
	if err != nil {
		h.logger.Error("list layers failed", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"layers": layers})
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}

	filter := LedgerFilter{ProductID: productID}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
			return
		}
		// End of day.
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid limit")
			return
		}
		filter.Limit = n
	}

	entries, err := h.service.ListLedger(r.Context(), filter)
	if err != nil {
		h.logger.Error("list ledger failed", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	saleLineID, err := strconv.ParseInt(chi.URLParam(r, "saleLineID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sale line id")
		return
	}
	breakdown, err := h.service.GetBreakdown(r.Context(), saleLineID)
	if err != nil {
		if errors.Is(err, ErrBreakdownNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no allocation for sale line")
			return
		}
		h.logger.Error("get breakdown failed", slog.Int64("sale_line_id", saleLineID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"sale_line_id":      breakdown.SaleLineID,
		"product_id":        breakdown.ProductID,
		"lines":             breakdown.Lines,
		"quantity":          breakdown.Quantity(),
		"total_cost":        breakdown.TotalCost(),
		"average_unit_cost": breakdown.AverageUnitCost(),
	})
}
