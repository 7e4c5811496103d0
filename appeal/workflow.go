/*
Package appeal implements the dispute process attached to a penalty.

PURPOSE:
  A provider may contest a penalty once, within a window after it was
  created. An admin decides. Approval cancels the penalty and lifts the
  provider's suspension if nothing else keeps it suspended.

APPEAL STATES:
  none -> pending -> approved | rejected

  Resolved appeals are final. Independently, an admin may cancel any
  penalty outright with CancelPenalty.

CHECK ORDER FOR SUBMIT:
  1. Actor must act for the penalized provider (ErrNotAuthorized)
  2. Penalty must not be cancelled (ErrPenaltyAlreadyCancelled)
  3. No appeal may exist yet (ErrAppealExists)
  4. Window must still be open (ErrAppealWindowExpired)
  5. Reason and statement are required (ErrValidation)
  Failing any check leaves the penalty untouched.

REFUNDS:
  An approved appeal may carry a partial refund. It is stamped on the
  penalty when 0 < refund <= monetary amount; moving money belongs to the
  payment collaborator.

SEE ALSO:
  - account/manager.go: LiftIfClear
*/
package appeal

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/account"
	"github.com/cortate/trust-engine/domain"
)

const (
	// DefaultWindow is how long after creation a penalty can be appealed.
	DefaultWindow = 7 * domain.Day

	// UrgentAfter marks pending appeals waiting longer than this.
	UrgentAfter = 3 * domain.Day
)

type Workflow struct {
	penalties domain.PenaltyStore
	accounts  *account.Manager
	events    domain.EventSink
	clock     domain.Clock
	window    time.Duration
	attempts  int
}

func NewWorkflow(penalties domain.PenaltyStore, accounts *account.Manager, events domain.EventSink, clock domain.Clock) *Workflow {
	if events == nil {
		events = domain.NopSink{}
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Workflow{
		penalties: penalties,
		accounts:  accounts,
		events:    events,
		clock:     clock,
		window:    DefaultWindow,
		attempts:  domain.DefaultAttempts,
	}
}

type Input struct {
	Reason    string
	Statement string
	Evidence  []string
}

// Decision is an admin's verdict. Outcome is AppealApproved or AppealRejected.
type Decision struct {
	Outcome       domain.AppealStatus
	Notes         string
	PartialRefund *decimal.Decimal
}

// =============================================================================
// SUBMIT
// =============================================================================

func (w *Workflow) Submit(ctx context.Context, penaltyID string, actor domain.Actor, in Input) (*domain.Penalty, error) {
	var updated *domain.Penalty
	err := domain.Retry(ctx, w.attempts, func() error {
		p, err := w.penalties.GetPenalty(ctx, penaltyID)
		if err != nil {
			return err
		}
		now := w.clock.Now()
		if err := w.checkSubmit(p, actor, in, now); err != nil {
			return err
		}

		rec := domain.AppealRecord{
			Status:      domain.AppealPending,
			Reason:      strings.TrimSpace(in.Reason),
			Statement:   strings.TrimSpace(in.Statement),
			Evidence:    append([]string(nil), in.Evidence...),
			SubmittedAt: &now,
			SubmittedBy: actor.ID,
		}
		updated, err = w.penalties.ConditionalUpdatePenalty(ctx, p.ID,
			domain.PenaltyExpectation{Status: p.Status, AppealStatus: domain.AppealStatusPtr(p.Appeal.Status)},
			domain.PenaltyPatch{Appeal: &rec})
		return err
	})
	if err != nil {
		return nil, err
	}
	w.emit(ctx, domain.EventAppealSubmitted, actor, updated, nil)
	return updated, nil
}

func (w *Workflow) checkSubmit(p *domain.Penalty, actor domain.Actor, in Input, now time.Time) error {
	if !actor.Owns(p.ProviderID) {
		return &domain.AuthorizationError{ActorID: actor.ID, Action: "appeal penalty " + p.ID}
	}
	if p.Status == domain.PenaltyCancelled {
		return domain.ErrPenaltyAlreadyCancelled
	}
	if p.Appeal.Status != domain.AppealNone && p.Appeal.Status != "" {
		return domain.ErrAppealExists
	}
	if now.Sub(p.CreatedAt) > w.window {
		return domain.ErrAppealWindowExpired
	}
	if strings.TrimSpace(in.Reason) == "" {
		return domain.Invalid("reason", "required")
	}
	if strings.TrimSpace(in.Statement) == "" {
		return domain.Invalid("statement", "required")
	}
	return nil
}

// =============================================================================
// PROCESS
// =============================================================================

func (w *Workflow) Process(ctx context.Context, penaltyID string, actor domain.Actor, d Decision) (*domain.Penalty, error) {
	if !actor.IsAdmin() {
		return nil, &domain.AuthorizationError{ActorID: actor.ID, Action: "process appeals"}
	}
	if d.Outcome != domain.AppealApproved && d.Outcome != domain.AppealRejected {
		return nil, domain.Invalid("decision", "must be approved or rejected")
	}

	var updated *domain.Penalty
	err := domain.Retry(ctx, w.attempts, func() error {
		p, err := w.penalties.GetPenalty(ctx, penaltyID)
		if err != nil {
			return err
		}
		if p.Appeal.Status != domain.AppealPending {
			return domain.ErrNoPendingAppeal
		}
		now := w.clock.Now()

		rec := p.Appeal
		rec.Status = d.Outcome
		rec.ProcessedAt = &now
		rec.ProcessedBy = actor.ID
		rec.AdminNotes = d.Notes
		patch := domain.PenaltyPatch{Appeal: &rec}

		if d.Outcome == domain.AppealApproved {
			if p.Status != domain.PenaltyCancelled {
				cancelled := domain.PenaltyCancelled
				reason := "appeal approved"
				patch.Status = &cancelled
				patch.CancelledAt = &now
				patch.CancelledBy = &actor.ID
				patch.CancellationReason = &reason
			}
			if d.PartialRefund != nil && refundable(*d.PartialRefund, p.Monetary.Amount.Amount) {
				mon := p.Monetary
				mon.RefundAmount = *d.PartialRefund
				mon.RefundProcessed = true
				mon.RefundedAt = &now
				patch.Monetary = &mon
			}
		}

		updated, err = w.penalties.ConditionalUpdatePenalty(ctx, p.ID,
			domain.PenaltyExpectation{Status: p.Status, AppealStatus: domain.AppealStatusPtr(domain.AppealPending)},
			patch)
		return err
	})
	if err != nil {
		return nil, err
	}

	if d.Outcome == domain.AppealApproved {
		if err := w.accounts.LiftIfClear(ctx, updated.ProviderID, updated.ID); err != nil {
			return updated, err
		}
	}
	w.emit(ctx, domain.EventAppealProcessed, actor, updated, map[string]any{"decision": string(d.Outcome)})
	return updated, nil
}

func refundable(refund, amount decimal.Decimal) bool {
	return refund.IsPositive() && refund.LessThanOrEqual(amount)
}

// =============================================================================
// ADMIN CANCELLATION
// =============================================================================

// CancelPenalty cancels any non-cancelled penalty regardless of its appeal.
func (w *Workflow) CancelPenalty(ctx context.Context, penaltyID string, actor domain.Actor, reason string) (*domain.Penalty, error) {
	if !actor.IsAdmin() {
		return nil, &domain.AuthorizationError{ActorID: actor.ID, Action: "cancel penalties"}
	}
	if strings.TrimSpace(reason) == "" {
		return nil, domain.Invalid("reason", "required")
	}

	var updated *domain.Penalty
	err := domain.Retry(ctx, w.attempts, func() error {
		p, err := w.penalties.GetPenalty(ctx, penaltyID)
		if err != nil {
			return err
		}
		if p.Status == domain.PenaltyCancelled {
			return domain.ErrPenaltyAlreadyCancelled
		}
		now := w.clock.Now()
		cancelled := domain.PenaltyCancelled
		updated, err = w.penalties.ConditionalUpdatePenalty(ctx, p.ID,
			domain.PenaltyExpectation{Status: p.Status},
			domain.PenaltyPatch{
				Status:             &cancelled,
				CancelledAt:        &now,
				CancelledBy:        &actor.ID,
				CancellationReason: &reason,
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := w.accounts.LiftIfClear(ctx, updated.ProviderID, updated.ID); err != nil {
		return updated, err
	}
	w.emit(ctx, domain.EventPenaltyCancelled, actor, updated, map[string]any{"reason": reason})
	return updated, nil
}

// =============================================================================
// QUEUE
// =============================================================================

type Pending struct {
	Penalty     *domain.Penalty
	WaitingDays int
	Urgent      bool
}

// PendingAppeals lists pending appeals oldest first.
func (w *Workflow) PendingAppeals(ctx context.Context, actor domain.Actor) ([]Pending, error) {
	if !actor.IsAdmin() {
		return nil, &domain.AuthorizationError{ActorID: actor.ID, Action: "list appeals"}
	}
	ps, err := w.penalties.FindPendingAppeals(ctx)
	if err != nil {
		return nil, err
	}
	now := w.clock.Now()
	out := make([]Pending, 0, len(ps))
	for _, p := range ps {
		since := p.CreatedAt
		if p.Appeal.SubmittedAt != nil {
			since = *p.Appeal.SubmittedAt
		}
		waited := now.Sub(since)
		out = append(out, Pending{
			Penalty:     p,
			WaitingDays: int(waited / domain.Day),
			Urgent:      waited > UrgentAfter,
		})
	}
	return out, nil
}

func (w *Workflow) emit(ctx context.Context, t domain.EventType, actor domain.Actor, p *domain.Penalty, extra map[string]any) {
	data := map[string]any{
		"penaltyId":    p.ID,
		"appealStatus": string(p.Appeal.Status),
		"status":       string(p.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	_ = w.events.Emit(ctx, domain.NewEvent(t, w.clock.Now(), actor.ID, p.ProviderID, data))
}
