/*
handlers.go - HTTP API handlers for the trust engine

PURPOSE:
  Exposes bookings, penalties, appeals and provider accounts via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  the domain packages. Authorization decisions live in those packages; the
  handlers only add read access checks.

ENDPOINTS:
  Bookings:
    POST   /api/bookings                  Create booking (client, admin)
    GET    /api/bookings/{id}             Get booking
    POST   /api/bookings/{id}/confirm     Provider confirms
    POST   /api/bookings/{id}/cancel      Client or provider cancels
    POST   /api/bookings/{id}/reject      Provider rejects
    POST   /api/bookings/{id}/no-show     Mark no-show (penalized at once)
    POST   /api/bookings/{id}/complete    Mark completed

  Penalties:
    POST   /api/penalties                 Manual penalty (admin)
    POST   /api/penalties/preview         Calculate without applying (admin)
    GET    /api/penalties/{id}            Penalty with appeal eligibility
    POST   /api/penalties/{id}/activate   Activate pending penalty (admin)
    DELETE /api/penalties/{id}            Cancel penalty (admin)
    POST   /api/penalties/{id}/appeal     Submit appeal (owning provider)
    PUT    /api/penalties/{id}/appeal/process  Decide appeal (admin)

  Providers:
    POST   /api/providers                 Register account (admin)
    GET    /api/providers/{id}            Account standing
    GET    /api/providers/{id}/penalties  Penalties and totals

  Admin:
    GET    /api/admin/appeals             Pending appeals, oldest first
    GET    /api/admin/stats?period=30d    Penalty statistics
    GET    /api/admin/events?type=&limit= Recent domain events, newest first
    POST   /api/system/sweep?scope=all    Run sweeper passes (admin, system)

REQUEST FLOW:
  1. Read the actor placed on the context by the Authenticator
  2. Parse the request
  3. Call the domain operation
  4. Serialize the response
  5. Map errors to status codes (errors.go)

PENALTIES AFTER TRANSITIONS:
  Late provider cancellations and no-shows are penalized in the same request.
  A failure there is logged and left to the sweeper, which picks up every
  unpenalized terminal booking; the transition itself has already succeeded.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Bearer token verification
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cortate/trust-engine/account"
	"github.com/cortate/trust-engine/appeal"
	"github.com/cortate/trust-engine/booking"
	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/events"
	"github.com/cortate/trust-engine/penalty"
	"github.com/cortate/trust-engine/sweeper"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Bookings  *booking.Machine
	Penalties *penalty.Service
	Accounts  *account.Manager
	Appeals   *appeal.Workflow
	Sweeper   *sweeper.Sweeper // nil disables /api/system/sweep
	Activity  *events.Recorder // nil disables /api/admin/events
	Logger    *slog.Logger
}

func NewHandler(bookings *booking.Machine, penalties *penalty.Service, accounts *account.Manager, appeals *appeal.Workflow, sw *sweeper.Sweeper, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Bookings:  bookings,
		Penalties: penalties,
		Accounts:  accounts,
		Appeals:   appeals,
		Sweeper:   sw,
		Logger:    logger,
	}
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)

	var req CreateBookingRequest
	if !decode(w, r, &req) {
		return
	}
	if actor.Role == domain.RoleClient && req.ClientID == "" {
		req.ClientID = actor.ID
	}

	b, err := h.Bookings.Create(r.Context(), actor, booking.NewBooking{
		ClientID:    req.ClientID,
		ProviderID:  req.ProviderID,
		ServiceType: req.ServiceType,
		ScheduledAt: req.ScheduledAt,
		Amount:      domain.Money{Amount: req.Amount, Currency: req.Currency},
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to create booking", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)

	b, err := h.Bookings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get booking", err)
		return
	}
	if !actor.IsAdmin() && !actor.Owns(b.ProviderID) && !(actor.Role == domain.RoleClient && actor.ID == b.ClientID) {
		writeError(w, http.StatusForbidden, "Not allowed to view this booking", nil)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.Confirm(r.Context(), chi.URLParam(r, "id"), mustActor(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to confirm booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	res, err := h.Bookings.Cancel(r.Context(), chi.URLParam(r, "id"), mustActor(r), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, "Failed to cancel booking", err)
		return
	}

	resp := BookingActionResponse{Booking: toBookingDTO(res.Booking)}
	if res.Candidate != nil {
		out, err := h.Penalties.PenalizeCancellation(r.Context(), res.Candidate)
		if err != nil {
			h.Logger.Warn("late cancellation penalty deferred to sweeper",
				"booking_id", res.Booking.ID, "error", err)
		} else if out.Penalty != nil {
			resp.Penalty = penaltyPtr(out.Penalty)
			resp.Booking.PenaltyApplied = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RejectBooking(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	b, err := h.Bookings.Reject(r.Context(), chi.URLParam(r, "id"), mustActor(r), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, "Failed to reject booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.MarkNoShow(r.Context(), chi.URLParam(r, "id"), mustActor(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to mark no-show", err)
		return
	}

	resp := BookingActionResponse{Booking: toBookingDTO(b)}
	out, err := h.Penalties.PenalizeBooking(r.Context(), b.ID, penalty.Event{Type: domain.PenaltyNoShow}, domain.SystemActor)
	if err != nil {
		h.Logger.Warn("no-show penalty deferred to sweeper", "booking_id", b.ID, "error", err)
	} else {
		resp.Penalty = penaltyPtr(out.Penalty)
		if out.Penalty != nil {
			resp.Booking.PenaltyApplied = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) MarkCompleted(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.MarkCompleted(r.Context(), chi.URLParam(r, "id"), mustActor(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to complete booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// =============================================================================
// PENALTY HANDLERS
// =============================================================================

func (h *Handler) ApplyPenalty(w http.ResponseWriter, r *http.Request) {
	var req PenaltyRequest
	if !decode(w, r, &req) {
		return
	}

	out, err := h.Penalties.ApplyManual(r.Context(), mustActor(r), penalty.ManualRequest{
		ProviderID:  req.ProviderID,
		BookingID:   req.BookingID,
		Event:       req.event(),
		Immediate:   req.Immediate,
		Reason:      req.Reason,
		Description: req.Description,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to apply penalty", err)
		return
	}
	status := http.StatusOK
	if out.Penalty != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, toOutcomeDTO(out))
}

func (h *Handler) PreviewPenalty(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req PenaltyRequest
	if !decode(w, r, &req) {
		return
	}
	as, err := h.Penalties.Preview(r.Context(), req.ProviderID, req.event())
	if err != nil {
		h.writeDomainError(w, r, "Failed to calculate penalty", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssessmentDTO(as))
}

func (h *Handler) GetPenalty(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)

	p, err := h.Penalties.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get penalty", err)
		return
	}
	if !canView(actor, p.ProviderID) {
		writeError(w, http.StatusForbidden, "Not allowed to view this penalty", nil)
		return
	}
	writeJSON(w, http.StatusOK, PenaltyDetailDTO{
		PenaltyDTO:  toPenaltyDTO(p),
		Eligibility: toEligibilityDTO(h.Appeals.Eligibility(p)),
	})
}

func (h *Handler) ActivatePenalty(w http.ResponseWriter, r *http.Request) {
	p, err := h.Penalties.Activate(r.Context(), chi.URLParam(r, "id"), mustActor(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to activate penalty", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(p))
}

func (h *Handler) CancelPenalty(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	p, err := h.Appeals.CancelPenalty(r.Context(), chi.URLParam(r, "id"), mustActor(r), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, "Failed to cancel penalty", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(p))
}

func (h *Handler) SubmitAppeal(w http.ResponseWriter, r *http.Request) {
	var req AppealRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Appeals.Submit(r.Context(), chi.URLParam(r, "id"), mustActor(r), appeal.Input{
		Reason:    req.Reason,
		Statement: req.Statement,
		Evidence:  req.Evidence,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to submit appeal", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(p))
}

func (h *Handler) ProcessAppeal(w http.ResponseWriter, r *http.Request) {
	var req ProcessAppealRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Appeals.Process(r.Context(), chi.URLParam(r, "id"), mustActor(r), appeal.Decision{
		Outcome:       domain.AppealStatus(req.Decision),
		Notes:         req.Notes,
		PartialRefund: req.PartialRefund,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to process appeal", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(p))
}

// =============================================================================
// PROVIDER HANDLERS
// =============================================================================

func (h *Handler) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req RegisterProviderRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.Accounts.Register(r.Context(), req.ProviderID, req.OwnerID, req.BusinessName)
	if err != nil {
		h.writeDomainError(w, r, "Failed to register provider", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(a))
}

func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	if !canView(mustActor(r), providerID) {
		writeError(w, http.StatusForbidden, "Not allowed to view this provider", nil)
		return
	}
	a, err := h.Accounts.Get(r.Context(), providerID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get provider", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

func (h *Handler) ListProviderPenalties(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	if !canView(mustActor(r), providerID) {
		writeError(w, http.StatusForbidden, "Not allowed to view this provider", nil)
		return
	}

	q := r.URL.Query()
	f := domain.PenaltyFilter{
		Status: domain.PenaltyStatus(q.Get("status")),
		Type:   domain.PenaltyType(q.Get("type")),
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since, expected RFC3339", err)
			return
		}
		f.Since = &since
	}

	ps, sum, err := h.Penalties.ListForProvider(r.Context(), providerID, f)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list penalties", err)
		return
	}
	writeJSON(w, http.StatusOK, ProviderPenaltiesDTO{
		Penalties: toPenaltyDTOs(ps),
		Summary: SummaryDTO{
			Total:          sum.Total,
			Active:         sum.Active,
			MonetaryTotal:  sum.MonetaryTotal,
			SuspensionDays: sum.SuspensionDays,
		},
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) ListPendingAppeals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Appeals.PendingAppeals(r.Context(), mustActor(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list appeals", err)
		return
	}
	out := make([]PendingAppealDTO, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingAppealDTO{Penalty: toPenaltyDTO(p.Penalty), WaitingDays: p.WaitingDays, Urgent: p.Urgent})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Penalties.Stats(r.Context(), mustActor(r), r.URL.Query().Get("period"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(st))
}

// ListEvents returns the most recent domain events, newest first, optionally
// filtered by type and provider.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	if h.Activity == nil {
		writeError(w, http.StatusServiceUnavailable, "Activity log is not configured", nil)
		return
	}
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}
	typ, provider := domain.EventType(q.Get("type")), q.Get("provider")

	all := h.Activity.Events()
	out := make([]EventDTO, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		e := all[i]
		if (typ != "" && e.Type != typ) || (provider != "" && e.ProviderID != provider) {
			continue
		}
		out = append(out, toEventDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// TriggerSweep runs sweeper passes synchronously. scope is all (default),
// bookings or suspensions.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if !actor.IsAdmin() && !actor.IsSystem() {
		writeError(w, http.StatusForbidden, "Sweeps are restricted to admins", nil)
		return
	}
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "Sweeper is not configured", nil)
		return
	}

	var report sweeper.Report
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "all":
		report = h.Sweeper.RunOnce(r.Context())
	case "bookings":
		report = h.Sweeper.RunBookingPasses(r.Context())
	case "suspensions":
		report = h.Sweeper.RunSuspensionPasses(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "Unknown scope "+scope, nil)
		return
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

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

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// mustActor returns the actor set by the Authenticator. Routes behind it
// always have one.
func mustActor(r *http.Request) domain.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !mustActor(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "Admin role required", nil)
		return false
	}
	return true
}

func canView(a domain.Actor, providerID string) bool {
	return a.IsAdmin() || a.IsSystem() || a.Owns(providerID)
}
