package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"energy-allocation/internal/allocation/application"
	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/allocation/interfaces/export"
	"energy-allocation/internal/audit"
	"energy-allocation/internal/auth"
	"energy-allocation/internal/eventing"
	"energy-allocation/internal/observability/metrics"
)

const (
	// CorrelationHeader carries the request correlation id in both directions.
	CorrelationHeader = "X-Correlation-ID"

	maxBodyBytes = 4 << 20
)

// Handler serves the allocation API.
type Handler struct {
	service     *application.Service
	auditLogger audit.Logger
	log         zerolog.Logger
}

// NewHandler constructs a Handler. auditLogger may be nil.
func NewHandler(service *application.Service, auditLogger audit.Logger, log zerolog.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("allocation handler: nil service")
	}
	return &Handler{
		service:     service,
		auditLogger: auditLogger,
		log:         log.With().Str("component", "allocation_http").Logger(),
	}, nil
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/v1/allocations", h)
	mux.Handle("/api/v1/allocations/", h)
	mux.Handle("/api/v1/entries", h)
	mux.Handle("/api/v1/entries/", h)
	mux.Handle("/api/v1/banking/balances", h)
}

// ServeHTTP routes allocation requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	corr := r.Header.Get(CorrelationHeader)
	if corr == "" {
		corr = eventing.NewEventID()
	}
	w.Header().Set(CorrelationHeader, corr)
	r = r.WithContext(eventing.WithCorrelationID(r.Context(), corr))
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	route := h.route(rec, r)
	metrics.ObserveHTTP(route, fmt.Sprint(rec.status), time.Since(start))
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/api/v1/allocations/settle" && r.Method == http.MethodPost:
		h.handleSettle(w, r)
		return "settle"
	case path == "/api/v1/allocations/preview" && r.Method == http.MethodPost:
		h.handlePreview(w, r)
		return "preview"
	case path == "/api/v1/allocations" && r.Method == http.MethodGet:
		h.handleQuery(w, r)
		return "query"
	case strings.HasPrefix(path, "/api/v1/allocations/export.") && r.Method == http.MethodGet:
		h.handleExport(w, r, strings.TrimPrefix(path, "/api/v1/allocations/export."))
		return "export"
	case path == "/api/v1/banking/balances" && r.Method == http.MethodGet:
		h.handleBalances(w, r)
		return "balances"
	case path == "/api/v1/entries" && r.Method == http.MethodPost:
		h.handleCreate(w, r)
		return "entries_create"
	case strings.HasPrefix(path, "/api/v1/entries/"):
		id := strings.TrimPrefix(path, "/api/v1/entries/")
		if id == "" {
			break
		}
		switch r.Method {
		case http.MethodGet:
			h.handleGet(w, r, id)
			return "entries_get"
		case http.MethodPatch:
			h.handleUpdate(w, r, id)
			return "entries_update"
		case http.MethodDelete:
			h.handleDelete(w, r, id)
			return "entries_delete"
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
		return "entries"
	}
	w.WriteHeader(http.StatusNotFound)
	return "unknown"
}

type monthRequest struct {
	Month       string                         `json:"month"`
	Production  []allocation.ProductionRecord  `json:"production"`
	Consumption []allocation.ConsumptionRecord `json:"consumption"`
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req monthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.service.SettleMonth(r.Context(), req.Month, req.Production, req.Consumption)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
	h.logAudit(r, "allocations.settle", "month", result.Month.String(), result.Month.String(), map[string]any{
		"transaction_id": result.TransactionID,
		"entries":        len(result.Entries),
		"production":     len(req.Production),
		"consumption":    len(req.Consumption),
	})
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req monthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	preview, err := h.service.Preview(r.Context(), req.Month, req.Production, req.Consumption)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month == "" {
		h.writeError(w, allocation.NewValidationError("month", "required"))
		return
	}
	kind := allocation.EntryKind(r.URL.Query().Get("type"))
	if kind != "" && !kind.Valid() {
		h.writeError(w, allocation.NewValidationError("type", fmt.Sprintf("unknown type %q", kind)))
		return
	}
	view, err := h.service.Query(r.Context(), month, kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	month := r.URL.Query().Get("month")
	if month == "" {
		h.writeError(w, allocation.NewValidationError("month", "required"))
		return
	}
	view, err := h.service.Query(r.Context(), month, "")
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, err := export.Build(format, view)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="allocations-%s.%s"`, view.Month.Label(), format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.service.Balances(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if balances == nil {
		balances = []allocation.BankingBalance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

type batchFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type batchResponse struct {
	TransactionID string             `json:"transaction_id,omitempty"`
	Succeeded     []allocation.Entry `json:"succeeded"`
	Failed        []batchFailure     `json:"failed"`
}

// handleCreate accepts one candidate object or an array of candidates.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, allocation.NewValidationError("", "unreadable body"))
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		h.createBatch(w, r, body)
		return
	}

	candidate, err := allocation.DecodeCandidate(body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	entry, err := h.service.Coordinator().CreateAllocation(r.Context(), candidate)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
	h.logAudit(r, "entries.create", string(entry.Kind), entry.ID, entry.Month.String(), map[string]any{
		"version": entry.Version,
		"buckets": entry.Buckets,
	})
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	decoded, decodeFailures, err := allocation.DecodeCandidates(body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := batchResponse{Succeeded: []allocation.Entry{}, Failed: []batchFailure{}}
	candidates := make([]allocation.Candidate, 0, len(decoded))
	indexes := make([]int, 0, len(decoded))
	for i, c := range decoded {
		if err, ok := decodeFailures[i]; ok {
			resp.Failed = append(resp.Failed, failureOf(i, err))
			continue
		}
		candidates = append(candidates, c)
		indexes = append(indexes, i)
	}

	if len(candidates) > 0 {
		result, err := h.service.Coordinator().CreateBatch(r.Context(), candidates)
		if err != nil {
			h.writeError(w, err)
			return
		}
		resp.TransactionID = result.TransactionID
		resp.Succeeded = result.Succeeded
		for _, f := range result.Failed {
			resp.Failed = append(resp.Failed, failureOf(indexes[f.Index], f.Err))
		}
	}
	sort.Slice(resp.Failed, func(i, j int) bool { return resp.Failed[i].Index < resp.Failed[j].Index })

	status := http.StatusCreated
	switch {
	case len(resp.Succeeded) == 0 && len(resp.Failed) > 0:
		status = http.StatusBadRequest
	case len(resp.Failed) > 0:
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
	if len(resp.Succeeded) > 0 {
		h.logAudit(r, "entries.create_batch", "batch", resp.TransactionID, "", map[string]any{
			"succeeded": len(resp.Succeeded),
			"failed":    len(resp.Failed),
		})
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	entry, err := h.service.Coordinator().Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var patch application.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		h.writeError(w, err)
		return
	}
	entry, err := h.service.Coordinator().UpdateAllocation(r.Context(), id, patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
	h.logAudit(r, "entries.update", string(entry.Kind), entry.ID, entry.Month.String(), map[string]any{
		"expected_version": patch.Version,
		"version":          entry.Version,
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.service.Coordinator().DeleteAllocation(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.logAudit(r, "entries.delete", "entry", id, "", nil)
}

func (h *Handler) logAudit(r *http.Request, action, resourceType, resourceID, month string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	var payload []byte
	if meta != nil {
		payload, _ = json.Marshal(meta)
	}
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Month:        month,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.log.Warn().Err(err).Str("action", action).Msg("audit log failed")
	}
}

// writeError maps the error taxonomy to status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	body := map[string]string{"error": err.Error()}
	var verr *allocation.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		body["field"] = verr.Field
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, body)
}

// StatusOf returns the HTTP status of an error.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, allocation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, allocation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, allocation.ErrLock):
		return http.StatusLocked
	case errors.Is(err, allocation.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, allocation.ErrStore):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func failureOf(index int, err error) batchFailure {
	f := batchFailure{Index: index, Error: err.Error()}
	var verr *allocation.ValidationError
	if errors.As(err, &verr) {
		f.Field = verr.Field
	}
	return f
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return allocation.NewValidationError("", "invalid json: "+err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
