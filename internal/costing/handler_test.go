package costing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, svc *Service) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewHandler(logger, svc).MountRoutes(r)
	return r
}

func TestLedgerEndpointRejectsBadLimit(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	router := newTestRouter(t, svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/1/ledger?limit=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/1/ledger?from=not-a-date", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerEndpointReturnsEntries(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	router := newTestRouter(t, svc)

	_, err := svc.Receive(context.Background(), ReceiveInput{ProductID: 1, Quantity: dec(t, "10"), UnitCost: dec(t, "2")})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/1/ledger?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries []LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	require.Equal(t, EntryKindInbound, body.Entries[0].Kind)
}
