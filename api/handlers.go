/*
handlers.go - HTTP API handlers for the transport ledger

PURPOSE:
  Exposes the period engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger package.

ENDPOINTS:
  Months:
    GET    /api/dashboard                    Active month and its running totals
    GET    /api/months/active?date=          Resolve the active month
    GET    /api/months/{month}/summary       Month totals + per-party breakdown
    POST   /api/months/{month}/close         Close the month (irreversible)
    GET    /api/months/{month}/report.xlsx   Month workbook
    GET    /api/closures                     Closure history
    GET    /api/closures/{month}             One closure

  Parties:
    GET    /api/parties                      List parties
    POST   /api/parties                      Create party
    GET    /api/parties/search?q=            Search by name or phone
    GET    /api/parties/{id}                 Party details
    DELETE /api/parties/{id}                 Delete party and its transactions
    GET    /api/parties/{id}/ledger?month=   Running balance
    GET    /api/parties/{id}/statement.xlsx  Statement workbook
    POST   /api/parties/{id}/transactions    Round-based batch entry

  Transactions / Expenses:
    PUT    /api/transactions/{id}            Edit a transaction
    DELETE /api/transactions/{id}            Delete a transaction
    GET    /api/expenses?category=&month=    List expenses
    POST   /api/expenses                     Create expense
    PUT    /api/expenses/{id}                Edit an expense
    DELETE /api/expenses/{id}                Delete an expense

TENANT:
  Every handler reads the tenant from the request context, where the auth
  middleware put it after validating the bearer token. There is no default
  tenant.

ERROR HANDLING:
  writeLedgerError maps engine errors to statuses:
  - 400: DataIntegrityError, validation errors, bad month/date
  - 404: ErrNotFound
  - 409: AlreadyClosed (with closed_at), OutOfOrder (with conflict_month),
         ClosedPeriod
  - 503: StorageError, closure in progress (Retry-After set)
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/transport-ledger/khata/auth"
	"github.com/transport-ledger/khata/ledger"
	"github.com/transport-ledger/khata/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Book     *ledger.Book
	Resolver *ledger.PeriodResolver
	Closures *ledger.ClosureManager
	Tokens   *auth.JWTManager

	health      Pinger
	logger      *slog.Logger
	validate    *validator.Validate
	phoneRegion string
	now         func() time.Time
}

// Deps configures NewHandler. Store and Tokens are required.
type Deps struct {
	Store       ledger.MutableStore
	Tokens      *auth.JWTManager
	Locker      ledger.Locker
	Logger      *slog.Logger
	PhoneRegion string
	Now         func() time.Time
}

// NewHandler wires the ledger services over one store.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.PhoneRegion == "" {
		d.PhoneRegion = "IN"
	}
	opts := []ledger.Option{ledger.WithNow(d.Now), ledger.WithLogger(d.Logger)}
	if d.Locker != nil {
		opts = append(opts, ledger.WithLocker(d.Locker))
	}

	h := &Handler{
		Book:        ledger.NewBook(d.Store, opts...),
		Resolver:    ledger.NewPeriodResolver(d.Store, opts...),
		Closures:    ledger.NewClosureManager(d.Store, opts...),
		Tokens:      d.Tokens,
		logger:      d.Logger,
		validate:    newValidator(d.PhoneRegion),
		phoneRegion: d.PhoneRegion,
		now:         d.Now,
	}
	if p, ok := d.Store.(Pinger); ok {
		h.health = p
	}
	return h
}

// =============================================================================
// MONTHS
// =============================================================================

// Dashboard returns the active month with its running totals.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := auth.TenantFrom(ctx)

	month, err := h.Resolver.ResolveActiveMonth(ctx, tenant, ledger.DateOf(h.now()))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	totals, err := h.Closures.PreviewMonth(ctx, tenant, month)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, DashboardDTO{
		ActiveMonth:   month.String(),
		TotalJama:     totals.TotalJama,
		TotalUdhar:    totals.TotalUdhar,
		TotalExpenses: totals.TotalExpenses,
		NetBalance:    totals.NetBalance,
		PartiesCount:  totals.PartiesCount,
	})
}

// ActiveMonth resolves the month new entries should default to.
func (h *Handler) ActiveMonth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := auth.TenantFrom(ctx)

	ref := ledger.DateOf(h.now())
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := ledger.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
		ref = d
	}

	month, err := h.Resolver.ResolveActiveMonth(ctx, tenant, ref)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActiveMonthDTO{
		TenantID:      string(tenant),
		ReferenceDate: ref.String(),
		Month:         month.String(),
	})
}

func (h *Handler) MonthSummary(w http.ResponseWriter, r *http.Request) {
	month, ok := monthParam(w, r)
	if !ok {
		return
	}
	summary, names, err := h.monthSummary(r.Context(), month)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthSummaryDTO(summary, names))
}

// CloseMonth freezes the month's totals. It cannot be undone.
func (h *Handler) CloseMonth(w http.ResponseWriter, r *http.Request) {
	month, ok := monthParam(w, r)
	if !ok {
		return
	}
	closure, err := h.Closures.CloseMonth(r.Context(), auth.TenantFrom(r.Context()), month)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClosureDTO(closure))
}

func (h *Handler) MonthReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	month, ok := monthParam(w, r)
	if !ok {
		return
	}
	summary, names, err := h.monthSummary(ctx, month)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	expenses, err := h.Book.Expenses(ctx, auth.TenantFrom(ctx), ledger.ExpenseFilter{Range: ledger.ForMonth(month)})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := report.MonthReport(&buf, summary, names, expenses); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build report", err)
		return
	}
	writeXLSX(w, fmt.Sprintf("khata-%s.xlsx", month), buf.Bytes())
}

func (h *Handler) ListClosures(w http.ResponseWriter, r *http.Request) {
	closures, err := h.Closures.History(r.Context(), auth.TenantFrom(r.Context()))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	out := make([]ClosureDTO, 0, len(closures))
	for _, c := range closures {
		out = append(out, toClosureDTO(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetClosure(w http.ResponseWriter, r *http.Request) {
	month, ok := monthParam(w, r)
	if !ok {
		return
	}
	c, err := h.Closures.Get(r.Context(), auth.TenantFrom(r.Context()), month)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClosureDTO(c))
}

func (h *Handler) monthSummary(ctx context.Context, month ledger.Month) (ledger.MonthSummary, map[ledger.PartyID]string, error) {
	tenant := auth.TenantFrom(ctx)
	summary, err := h.Closures.Summary(ctx, tenant, month)
	if err != nil {
		return ledger.MonthSummary{}, nil, err
	}
	parties, err := h.Book.Parties(ctx, tenant)
	if err != nil {
		return ledger.MonthSummary{}, nil, err
	}
	names := make(map[ledger.PartyID]string, len(parties))
	for _, p := range parties {
		names[p.ID] = p.Name
	}
	return summary, names, nil
}

// =============================================================================
// PARTIES
// =============================================================================

func (h *Handler) ListParties(w http.ResponseWriter, r *http.Request) {
	parties, err := h.Book.Parties(r.Context(), auth.TenantFrom(r.Context()))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartyDTOs(parties))
}

func (h *Handler) SearchParties(w http.ResponseWriter, r *http.Request) {
	parties, err := h.Book.SearchParties(r.Context(), auth.TenantFrom(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartyDTOs(parties))
}

func (h *Handler) CreateParty(w http.ResponseWriter, r *http.Request) {
	var req CreatePartyRequest
	if !h.decode(w, r, &req) {
		return
	}

	phone := req.PhoneNumber
	if phone != "" {
		// Already validated; store the canonical form.
		phone, _ = normalizePhone(phone, h.phoneRegion)
	}

	p, err := h.Book.AddParty(r.Context(), ledger.Party{
		TenantID:    auth.TenantFrom(r.Context()),
		Name:        req.Name,
		PhoneNumber: phone,
		Address:     req.Address,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPartyDTO(p))
}

func (h *Handler) GetParty(w http.ResponseWriter, r *http.Request) {
	p, err := h.Book.Party(r.Context(), auth.TenantFrom(r.Context()), partyParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartyDTO(p))
}

func (h *Handler) DeleteParty(w http.ResponseWriter, r *http.Request) {
	if err := h.Book.DeleteParty(r.Context(), auth.TenantFrom(r.Context()), partyParam(r)); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PartyLedger returns the running balance, optionally limited to ?month=.
func (h *Handler) PartyLedger(w http.ResponseWriter, r *http.Request) {
	month, period, ok := optionalMonth(w, r)
	if !ok {
		return
	}
	p, summary, err := h.Book.PartyLedger(r.Context(), auth.TenantFrom(r.Context()), partyParam(r), month)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartyLedgerDTO(p, period, summary))
}

func (h *Handler) PartyStatement(w http.ResponseWriter, r *http.Request) {
	month, period, ok := optionalMonth(w, r)
	if !ok {
		return
	}
	p, summary, err := h.Book.PartyLedger(r.Context(), auth.TenantFrom(r.Context()), partyParam(r), month)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := report.PartyStatement(&buf, p, period, summary); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build statement", err)
		return
	}
	writeXLSX(w, fmt.Sprintf("statement-%s.xlsx", p.ID), buf.Bytes())
}

// AddTransactions books the round-based entry form. All lines are stored
// or none.
func (h *Handler) AddTransactions(w http.ResponseWriter, r *http.Request) {
	var req AddTransactionsRequest
	if !h.decode(w, r, &req) {
		return
	}

	entries := make([]ledger.RoundEntry, 0, len(req.Entries))
	for i, e := range req.Entries {
		d, err := ledger.ParseDate(e.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid date in entry %d", i), err)
			return
		}
		base, err := ledger.ParseAmount(e.BaseAmount, "transaction", "")
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		typ, err := entryType(e.Type, "transaction", "")
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		rounds := e.Rounds
		if rounds == 0 {
			rounds = 1
		}
		entries = append(entries, ledger.RoundEntry{
			BaseAmount:  base,
			Rounds:      rounds,
			Type:        typ,
			Date:        d,
			Description: e.Description,
		})
	}

	txs, err := h.Book.AddTransactions(r.Context(), auth.TenantFrom(r.Context()), partyParam(r), entries)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTOs(txs))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := auth.TenantFrom(ctx)
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req UpdateTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := ledger.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount, "transaction", string(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	typ, err := entryType(req.Type, "transaction", string(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	existing, err := h.Book.Transaction(ctx, tenant, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	t := existing
	if req.PartyID != "" {
		t.PartyID = ledger.PartyID(req.PartyID)
	}
	t.Type = typ
	t.Date = d
	t.Amount = amount.Abs()
	if t.Type == ledger.Udhar {
		t.Amount = t.Amount.Neg()
	}
	t.Rounds = req.Rounds
	if t.Rounds == 0 {
		t.Rounds = 1
	}
	t.Description = req.Description

	updated, err := h.Book.UpdateTransaction(ctx, t)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(updated))
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))
	if err := h.Book.DeleteTransaction(r.Context(), auth.TenantFrom(r.Context()), id); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EXPENSES
// =============================================================================

func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	month, _, ok := optionalMonth(w, r)
	if !ok {
		return
	}
	filter := ledger.ExpenseFilter{Category: r.URL.Query().Get("category")}
	if month != nil {
		filter.Range = ledger.ForMonth(*month)
	}
	exps, err := h.Book.Expenses(r.Context(), auth.TenantFrom(r.Context()), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	out := make([]ExpenseDTO, 0, len(exps))
	for _, e := range exps {
		out = append(out, toExpenseDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	e, ok := h.decodeExpense(w, r, "")
	if !ok {
		return
	}
	created, err := h.Book.AddExpense(r.Context(), e)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpenseDTO(created))
}

func (h *Handler) UpdateExpense(w http.ResponseWriter, r *http.Request) {
	e, ok := h.decodeExpense(w, r, ledger.ExpenseID(chi.URLParam(r, "id")))
	if !ok {
		return
	}
	updated, err := h.Book.UpdateExpense(r.Context(), e)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTO(updated))
}

func (h *Handler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	id := ledger.ExpenseID(chi.URLParam(r, "id"))
	if err := h.Book.DeleteExpense(r.Context(), auth.TenantFrom(r.Context()), id); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeExpense(w http.ResponseWriter, r *http.Request, id ledger.ExpenseID) (ledger.Expense, bool) {
	var req ExpenseRequest
	if !h.decode(w, r, &req) {
		return ledger.Expense{}, false
	}
	d, err := ledger.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return ledger.Expense{}, false
	}
	amount, err := ledger.ParseAmount(req.Amount, "expense", string(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return ledger.Expense{}, false
	}
	typ, err := entryType(req.Type, "expense", string(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return ledger.Expense{}, false
	}
	return ledger.Expense{
		ID:            id,
		TenantID:      auth.TenantFrom(r.Context()),
		Date:          d,
		Amount:        amount,
		Category:      req.Category,
		Type:          typ,
		PaymentMethod: req.PaymentMethod,
		Description:   req.Description,
	}, true
}

// entryType maps a request's type field onto Jama or Udhar.
func entryType(raw, record, id string) (ledger.EntryType, error) {
	t, ok := ledger.ParseEntryType(raw)
	if !ok {
		return "", &ledger.DataIntegrityError{Record: record, ID: id, Field: "type", Reason: "must be Jama or Udhar"}
	}
	return t, nil
}

// =============================================================================
// OPS
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. It writes the 400
// itself and reports false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Validation failed",
			Fields: validationFields(err),
		})
		return false
	}
	return true
}

func monthParam(w http.ResponseWriter, r *http.Request) (ledger.Month, bool) {
	m, err := ledger.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month, expected YYYY-MM", err)
		return ledger.Month{}, false
	}
	return m, true
}

// optionalMonth reads ?month=. A missing value means all time.
func optionalMonth(w http.ResponseWriter, r *http.Request) (*ledger.Month, string, bool) {
	raw := r.URL.Query().Get("month")
	if raw == "" {
		return nil, "All time", true
	}
	m, err := ledger.ParseMonth(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month, expected YYYY-MM", err)
		return nil, "", false
	}
	return &m, m.String(), true
}

func partyParam(r *http.Request) ledger.PartyID {
	return ledger.PartyID(chi.URLParam(r, "id"))
}

func toPartyDTOs(parties []ledger.Party) []PartyDTO {
	out := make([]PartyDTO, 0, len(parties))
	for _, p := range parties {
		out = append(out, toPartyDTO(p))
	}
	return out
}

// writeLedgerError maps engine errors to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		closed  *ledger.AlreadyClosedError
		order   *ledger.OutOfOrderClosureError
		period  *ledger.ClosedPeriodError
		storage *ledger.StorageError
	)
	switch {
	case errors.As(err, &closed):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:    "Month already closed",
			Details:  err.Error(),
			ClosedAt: formatTime(closed.ClosedAt),
		})
	case errors.As(err, &order):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:         "Months must be closed in order",
			Details:       err.Error(),
			ConflictMonth: order.Conflict.String(),
		})
	case errors.As(err, &period), errors.Is(err, ledger.ErrClosedPeriod):
		writeError(w, http.StatusConflict, "Period is closed", err)
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrTenantRequired):
		writeError(w, http.StatusUnauthorized, "Tenant required", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid data", err)
	case errors.Is(err, ledger.ErrClosureInProgress):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Another closure is in progress", err)
	case errors.As(err, &storage):
		h.logger.ErrorContext(r.Context(), "storage failure", "op", storage.Op, "error", storage.Err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
	default:
		h.logger.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeXLSX(w http.ResponseWriter, filename string, body []byte) {
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
