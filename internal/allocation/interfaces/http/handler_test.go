package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-allocation/internal/allocation/application"
	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/allocation/infrastructure/lock"
	"energy-allocation/internal/allocation/infrastructure/memory"
	"energy-allocation/internal/audit"
)

type memoryAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryAudit) Log(_ context.Context, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryAudit) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type testServer struct {
	mux   *http.ServeMux
	locks *lock.Table
	audit *memoryAudit
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	locks := lock.NewTable()
	coord, err := application.NewCoordinator(memory.NewStore(), locks, nil, application.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	svc, err := application.NewService(coord, zerolog.Nop())
	require.NoError(t, err)
	auditLog := &memoryAudit{}
	h, err := NewHandler(svc, auditLog, zerolog.Nop())
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	return &testServer{mux: mux, locks: locks, audit: auditLog}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.mux.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), v))
}

func entryPath(id string) string {
	return "/api/v1/entries/" + url.PathEscape(id)
}

const workedExample = `{
	"month": "2025-04",
	"production": [{"site_id": "A", "category": "solar", "units": {"p2": 100, "p4": 50}}],
	"consumption": [{"site_id": "X", "demand": {"p2": 80, "p4": "70"}}]
}`

func TestNewHandlerRequiresService(t *testing.T) {
	_, err := NewHandler(nil, nil, zerolog.Nop())
	assert.EqualError(t, err, "allocation handler: nil service")
}

func TestSettleAndQuery(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/v1/allocations/settle", workedExample)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.NotEmpty(t, resp.Header().Get(CorrelationHeader))
	var settled application.MonthResult
	decodeBody(t, resp, &settled)
	assert.Equal(t, allocation.MonthKey("042025"), settled.Month)
	require.Len(t, settled.Entries, 1)
	assert.Equal(t, "allocation#A#042025#X", settled.Entries[0].ID)

	resp = s.do(t, http.MethodGet, "/api/v1/allocations?month=042025", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var view application.MonthView
	decodeBody(t, resp, &view)
	require.Len(t, view.Allocations, 1)
	assert.Empty(t, view.Lapses)
	assert.Equal(t, int64(150), view.Summary.Total)
	assert.Equal(t, int64(80), view.Summary.Peak)

	resp = s.do(t, http.MethodPost, "/api/v1/allocations/settle", workedExample)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, []string{"allocations.settle"}, s.audit.Actions())
}

func TestSettleValidation(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/allocations/settle", `{"month":"2025-13"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "month", body["field"])

	resp = s.do(t, http.MethodPost, "/api/v1/allocations/settle", `{"month":`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestPreviewDoesNotPersist(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/allocations/preview", workedExample)
	require.Equal(t, http.StatusOK, resp.Code)
	var preview application.Preview
	decodeBody(t, resp, &preview)
	require.Len(t, preview.Entries, 1)

	resp = s.do(t, http.MethodGet, "/api/v1/allocations?month=042025", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var view application.MonthView
	decodeBody(t, resp, &view)
	assert.Empty(t, view.Allocations)
	assert.Empty(t, s.audit.Actions())
}

func TestQueryRequiresMonthAndKnownType(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/allocations", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/allocations?month=042025&type=refund", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/allocations?month=042025&type=lapse", "").Code)
}

func TestEntryLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := "allocation#A#042025#X"

	resp := s.do(t, http.MethodPost, "/api/v1/entries", `{"kind":"allocation","producer_id":"A","consumer_id":"X","month":"042025","allocated":{"p1":10}}`)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var created allocation.Entry
	decodeBody(t, resp, &created)
	assert.Equal(t, id, created.ID)
	assert.Equal(t, int64(1), created.Version)

	resp = s.do(t, http.MethodGet, entryPath(id), "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = s.do(t, http.MethodPatch, entryPath(id), `{"version":1,"buckets":{"p1":12}}`)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var updated allocation.Entry
	decodeBody(t, resp, &updated)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, int64(12), updated.Buckets.Get(allocation.P1))

	resp = s.do(t, http.MethodPatch, entryPath(id), `{"version":1,"buckets":{"p1":15}}`)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = s.do(t, http.MethodDelete, entryPath(id), "")
	assert.Equal(t, http.StatusNoContent, resp.Code)
	resp = s.do(t, http.MethodGet, entryPath(id), "")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	assert.Equal(t, []string{"entries.create", "entries.update", "entries.delete"}, s.audit.Actions())
}

func TestCreateBatchReportsFailuresByIndex(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/entries", `[
		{"kind":"allocation","producer_id":"A","consumer_id":"X","month":"042025","allocated":{"p1":10}},
		{"kind":"refund","producer_id":"A","month":"042025"},
		{"kind":"lapse","producer_id":"A","month":"042025","lapsed":{"p9":1}},
		{"kind":"banking","producer_id":"B","month":"042025","credited":{"p1":5}}
	]`)
	require.Equal(t, http.StatusMultiStatus, resp.Code, resp.Body.String())

	var body batchResponse
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.TransactionID)
	assert.Len(t, body.Succeeded, 2)
	require.Len(t, body.Failed, 2)
	assert.Equal(t, 1, body.Failed[0].Index)
	assert.Equal(t, "kind", body.Failed[0].Field)
	assert.Equal(t, 2, body.Failed[1].Index)
	assert.Equal(t, "lapsed.p9", body.Failed[1].Field)
}

func TestCreateBatchAllInvalid(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/entries", `[{"kind":"lapse","producer_id":"A","month":"042025","lapsed":{}}]`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestLockedProducerReturns423(t *testing.T) {
	s := newTestServer(t)
	lease, err := s.locks.Acquire(context.Background(), allocation.ProducerResource("A"))
	require.NoError(t, err)
	defer lease.Release(context.Background())

	resp := s.do(t, http.MethodPost, "/api/v1/entries", `{"kind":"lapse","producer_id":"A","month":"042025","lapsed":{"p1":3}}`)
	assert.Equal(t, http.StatusLocked, resp.Code)
}

func TestExportAndBalances(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/allocations/settle", `{
		"month": "032025",
		"production": [{"site_id": "B", "category": "wind", "banking_eligible": true, "units": {"p1": 40}}]
	}`)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = s.do(t, http.MethodGet, "/api/v1/allocations/export.xlsx?month=2025-03", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Header().Get("Content-Type"), "spreadsheetml")
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "allocations-2025-03.xlsx")
	assert.NotZero(t, resp.Body.Len())

	resp = s.do(t, http.MethodGet, "/api/v1/allocations/export.csv?month=032025", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/banking/balances", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var balances []allocation.BankingBalance
	decodeBody(t, resp, &balances)
	require.Len(t, balances, 1)
	assert.Equal(t, "B", balances[0].ProducerID)
	assert.Equal(t, int64(40), balances[0].Balance.Get(allocation.P1))
}

func TestCorrelationHeaderEchoed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/banking/balances", nil)
	req.Header.Set(CorrelationHeader, "corr-123")
	resp := httptest.NewRecorder()
	s.mux.ServeHTTP(resp, req)
	assert.Equal(t, "corr-123", resp.Header().Get(CorrelationHeader))
}

func TestUnknownRoutes(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/allocations/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodPut, entryPath("lapse#A#042025"), "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, entryPath("bogus"), "").Code)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(allocation.NewStoreError("put", assert.AnError)))
	assert.Equal(t, http.StatusNotFound, StatusOf(allocation.NotFoundError("lapse#A#042025")))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(assert.AnError))
}
