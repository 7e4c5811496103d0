/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimals encoded as JSON strings ("5000"). Requests accept
  strings or numbers.

VALIDATION:
  Validation is done by the domain packages, not in DTOs. DTOs are pure
  data carriers; conversion helpers only reject unparseable values.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/appeal"
	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/penalty"
	"github.com/cortate/trust-engine/sweeper"
)

// =============================================================================
// BOOKINGS
// =============================================================================

type BookingDTO struct {
	ID                 string     `json:"id"`
	ClientID           string     `json:"client_id"`
	ProviderID         string     `json:"provider_id"`
	ServiceType        string     `json:"service_type"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	Amount             MoneyDTO   `json:"amount"`
	Status             string     `json:"status"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	ConfirmedManually  bool       `json:"confirmed_manually"`
	PenaltyApplied     bool       `json:"penalty_applied"`
	CreatedAt          time.Time  `json:"created_at"`
	StatusChangedAt    time.Time  `json:"status_changed_at"`
}

type MoneyDTO struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type CreateBookingRequest struct {
	ClientID    string          `json:"client_id"`
	ProviderID  string          `json:"provider_id"`
	ServiceType string          `json:"service_type"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

// ReasonRequest is the body of cancel, reject and penalty cancellation.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// BookingActionResponse is returned by transitions that may produce a penalty.
type BookingActionResponse struct {
	Booking BookingDTO  `json:"booking"`
	Penalty *PenaltyDTO `json:"penalty,omitempty"`
}

func toBookingDTO(b *domain.Booking) BookingDTO {
	return BookingDTO{
		ID:                 b.ID,
		ClientID:           b.ClientID,
		ProviderID:         b.ProviderID,
		ServiceType:        b.ServiceType,
		ScheduledAt:        b.ScheduledAt,
		Amount:             toMoneyDTO(b.Amount),
		Status:             string(b.Status),
		CancelledBy:        string(b.CancelledBy),
		CancelledAt:        b.CancelledAt,
		CancellationReason: b.CancellationReason,
		ConfirmedManually:  b.ConfirmedManually,
		PenaltyApplied:     b.PenaltyApplied,
		CreatedAt:          b.CreatedAt,
		StatusChangedAt:    b.StatusChangedAt,
	}
}

func toMoneyDTO(m domain.Money) MoneyDTO {
	return MoneyDTO{Amount: m.Amount, Currency: m.Currency}
}

// =============================================================================
// PENALTIES
// =============================================================================

type PenaltyDTO struct {
	ID                 string          `json:"id"`
	ProviderID         string          `json:"provider_id"`
	BookingID          string          `json:"booking_id,omitempty"`
	Type               string          `json:"type"`
	Severity           string          `json:"severity"`
	Status             string          `json:"status"`
	Reason             string          `json:"reason"`
	Description        string          `json:"description,omitempty"`
	Monetary           MonetaryDTO     `json:"monetary"`
	Suspension         SuspensionDTO   `json:"suspension"`
	Appeal             AppealDTO       `json:"appeal"`
	ReputationImpact   decimal.Decimal `json:"reputation_impact"`
	CumulativeScore    int             `json:"cumulative_score"`
	AppliedBy          string          `json:"applied_by"`
	AutoApplied        bool            `json:"auto_applied"`
	CreatedAt          time.Time       `json:"created_at"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy        string          `json:"cancelled_by,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	ExpiredAt          *time.Time      `json:"expired_at,omitempty"`
}

type MonetaryDTO struct {
	Amount          MoneyDTO        `json:"amount"`
	Status          string          `json:"status"`
	RefundAmount    decimal.Decimal `json:"refund_amount"`
	RefundProcessed bool            `json:"refund_processed"`
	RefundedAt      *time.Time      `json:"refunded_at,omitempty"`
}

type SuspensionDTO struct {
	Days      int        `json:"days"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

type AppealDTO struct {
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Statement   string     `json:"statement,omitempty"`
	Evidence    []string   `json:"evidence,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	SubmittedBy string     `json:"submitted_by,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ProcessedBy string     `json:"processed_by,omitempty"`
	AdminNotes  string     `json:"admin_notes,omitempty"`
}

// PenaltyDetailDTO adds appeal eligibility to a penalty.
type PenaltyDetailDTO struct {
	PenaltyDTO
	Eligibility EligibilityDTO `json:"appeal_eligibility"`
}

type EligibilityDTO struct {
	Open       bool      `json:"open"`
	Deadline   time.Time `json:"deadline"`
	Grounds    []string  `json:"grounds"`
	Evidence   []string  `json:"evidence_required"`
	ReviewTime string    `json:"review_time,omitempty"`
}

// PenaltyRequest describes a penalty event. Fields not relevant to Type are
// ignored.
type PenaltyRequest struct {
	ProviderID  string `json:"provider_id"`
	BookingID   string `json:"booking_id,omitempty"`
	Type        string `json:"type"`
	Immediate   bool   `json:"immediate"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`

	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency string           `json:"currency,omitempty"`

	LeadTimeMinutes *int `json:"lead_time_minutes,omitempty"`

	Reviews *ReviewsRequest `json:"reviews,omitempty"`

	ViolationKind string `json:"violation_kind,omitempty"`
	Details       string `json:"details,omitempty"`

	Custom *CustomRequest `json:"custom,omitempty"`
}

type ReviewsRequest struct {
	Average decimal.Decimal `json:"average"`
	Total   int             `json:"total"`
	Recent  []int           `json:"recent"`
}

type CustomRequest struct {
	Severity string          `json:"severity"`
	Days     int             `json:"days"`
	Amount   decimal.Decimal `json:"amount"`
	Impact   decimal.Decimal `json:"impact"`
	Reason   string          `json:"reason"`
}

// event converts the request into a calculator event.
func (req PenaltyRequest) event() penalty.Event {
	ev := penalty.Event{
		Type:          domain.PenaltyType(req.Type),
		ViolationKind: req.ViolationKind,
		Details:       req.Details,
	}
	if req.Amount != nil {
		ev.Amount = domain.Money{Amount: *req.Amount, Currency: req.Currency}
		if ev.Amount.Currency == "" {
			ev.Amount.Currency = domain.DefaultCurrency
		}
	}
	if req.LeadTimeMinutes != nil {
		lead := time.Duration(*req.LeadTimeMinutes) * time.Minute
		ev.LeadTime = &lead
	}
	if req.Reviews != nil {
		ev.Reviews = penalty.ReviewStats{Average: req.Reviews.Average, Total: req.Reviews.Total, Recent: req.Reviews.Recent}
	}
	if req.Custom != nil {
		ev.Custom = &penalty.CustomTerms{
			Severity: domain.Severity(req.Custom.Severity),
			Days:     req.Custom.Days,
			Amount:   req.Custom.Amount,
			Impact:   req.Custom.Impact,
			Reason:   req.Custom.Reason,
		}
	}
	return ev
}

// ProposalDTO is the calculator's verdict.
type ProposalDTO struct {
	Type            string          `json:"type"`
	Severity        string          `json:"severity"`
	Warranted       bool            `json:"warranted"`
	RequiresReview  bool            `json:"requires_review"`
	Reason          string          `json:"reason"`
	Description     string          `json:"description,omitempty"`
	MonetaryAmount  *MoneyDTO       `json:"monetary_amount,omitempty"`
	SuspensionDays  int             `json:"suspension_days"`
	Reputation      decimal.Decimal `json:"reputation_impact"`
	PriorCount      int             `json:"prior_count"`
	CumulativeScore int             `json:"cumulative_score"`
	Risk            string          `json:"risk"`
	Escalation      string          `json:"escalation,omitempty"`
}

// PenaltyOutcomeDTO is returned by manual penalties. Penalty is absent when
// the event did not warrant one.
type PenaltyOutcomeDTO struct {
	Proposal ProposalDTO `json:"proposal"`
	Penalty  *PenaltyDTO `json:"penalty,omitempty"`
}

type AppealRequest struct {
	Reason    string   `json:"reason"`
	Statement string   `json:"statement"`
	Evidence  []string `json:"evidence"`
}

type ProcessAppealRequest struct {
	Decision      string           `json:"decision"`
	Notes         string           `json:"notes"`
	PartialRefund *decimal.Decimal `json:"partial_refund,omitempty"`
}

type PendingAppealDTO struct {
	Penalty     PenaltyDTO `json:"penalty"`
	WaitingDays int        `json:"waiting_days"`
	Urgent      bool       `json:"urgent"`
}

func toPenaltyDTO(p *domain.Penalty) PenaltyDTO {
	return PenaltyDTO{
		ID:          p.ID,
		ProviderID:  p.ProviderID,
		BookingID:   p.BookingID,
		Type:        string(p.Type),
		Severity:    string(p.Severity),
		Status:      string(p.Status),
		Reason:      p.Reason,
		Description: p.Description,
		Monetary: MonetaryDTO{
			Amount:          toMoneyDTO(p.Monetary.Amount),
			Status:          string(p.Monetary.Status),
			RefundAmount:    p.Monetary.RefundAmount,
			RefundProcessed: p.Monetary.RefundProcessed,
			RefundedAt:      p.Monetary.RefundedAt,
		},
		Suspension: SuspensionDTO{
			Days:      p.Suspension.Days,
			StartDate: p.Suspension.StartDate,
			EndDate:   p.Suspension.EndDate,
		},
		Appeal: AppealDTO{
			Status:      string(p.Appeal.Status),
			Reason:      p.Appeal.Reason,
			Statement:   p.Appeal.Statement,
			Evidence:    p.Appeal.Evidence,
			SubmittedAt: p.Appeal.SubmittedAt,
			SubmittedBy: p.Appeal.SubmittedBy,
			ProcessedAt: p.Appeal.ProcessedAt,
			ProcessedBy: p.Appeal.ProcessedBy,
			AdminNotes:  p.Appeal.AdminNotes,
		},
		ReputationImpact:   p.ReputationImpact,
		CumulativeScore:    p.CumulativeScore,
		AppliedBy:          p.AppliedBy,
		AutoApplied:        p.AutoApplied,
		CreatedAt:          p.CreatedAt,
		CancelledAt:        p.CancelledAt,
		CancelledBy:        p.CancelledBy,
		CancellationReason: p.CancellationReason,
		ExpiredAt:          p.ExpiredAt,
	}
}

func toPenaltyDTOs(ps []*domain.Penalty) []PenaltyDTO {
	out := make([]PenaltyDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPenaltyDTO(p))
	}
	return out
}

func penaltyPtr(p *domain.Penalty) *PenaltyDTO {
	if p == nil {
		return nil
	}
	dto := toPenaltyDTO(p)
	return &dto
}

func toEligibilityDTO(e appeal.Eligibility) EligibilityDTO {
	return EligibilityDTO{
		Open:       e.Open,
		Deadline:   e.Deadline,
		Grounds:    nonNil(e.Grounds),
		Evidence:   nonNil(e.Evidence),
		ReviewTime: e.ReviewTime,
	}
}

func toProposalDTO(pr penalty.Proposal) ProposalDTO {
	dto := ProposalDTO{
		Type:            string(pr.Type),
		Severity:        string(pr.Severity),
		Warranted:       pr.Warranted,
		RequiresReview:  pr.RequiresReview,
		Reason:          pr.Reason,
		Description:     pr.Description,
		SuspensionDays:  pr.Effects.SuspensionDays(),
		Reputation:      pr.Effects.Reputation,
		PriorCount:      pr.PriorCount,
		CumulativeScore: pr.CumulativeScore,
		Risk:            string(pr.Risk),
		Escalation:      pr.Escalation,
	}
	if pr.Effects.Monetary != nil {
		m := toMoneyDTO(pr.Effects.Monetary.Amount)
		dto.MonetaryAmount = &m
	}
	return dto
}

type EventDTO struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	At         time.Time      `json:"at"`
	ActorID    string         `json:"actor_id,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func toEventDTO(e domain.Event) EventDTO {
	return EventDTO{ID: e.ID, Type: string(e.Type), At: e.At, ActorID: e.ActorID, ProviderID: e.ProviderID, Data: e.Data}
}

// AssessmentDTO is returned by the preview endpoint.
type AssessmentDTO struct {
	ProposalDTO
	Impact          ImpactDTO `json:"impact"`
	Warnings        []string  `json:"warnings"`
	Recommendations []string  `json:"recommendations"`
}

type ImpactDTO struct {
	PreviousReliability decimal.Decimal  `json:"previous_reliability"`
	NewReliability      decimal.Decimal  `json:"new_reliability"`
	PreviousStatus      string           `json:"previous_status"`
	NewStatus           string           `json:"new_status"`
	SuspendedUntil      *time.Time       `json:"suspended_until,omitempty"`
	Visibility          decimal.Decimal  `json:"visibility_impact"`
	Revenue             RevenueImpactDTO `json:"estimated_revenue_impact"`
}

type RevenueImpactDTO struct {
	MonthlyRevenue decimal.Decimal `json:"monthly_revenue"`
	Immediate      decimal.Decimal `json:"immediate"`
	Suspension     decimal.Decimal `json:"suspension"`
	Visibility     decimal.Decimal `json:"visibility"`
	Total          decimal.Decimal `json:"total"`
}

func toAssessmentDTO(as penalty.Assessment) AssessmentDTO {
	im := as.Impact
	return AssessmentDTO{
		ProposalDTO: toProposalDTO(as.Proposal),
		Impact: ImpactDTO{
			PreviousReliability: im.PreviousReliability,
			NewReliability:      im.NewReliability,
			PreviousStatus:      string(im.PreviousStatus),
			NewStatus:           string(im.NewStatus),
			SuspendedUntil:      im.SuspendedUntil,
			Visibility:          im.Visibility,
			Revenue: RevenueImpactDTO{
				MonthlyRevenue: im.Revenue.MonthlyRevenue,
				Immediate:      im.Revenue.Immediate,
				Suspension:     im.Revenue.Suspension,
				Visibility:     im.Revenue.Visibility,
				Total:          im.Revenue.Total,
			},
		},
		Warnings:        nonNil(as.Warnings),
		Recommendations: nonNil(as.Recommendations),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toOutcomeDTO(out *penalty.Outcome) PenaltyOutcomeDTO {
	return PenaltyOutcomeDTO{Proposal: toProposalDTO(out.Proposal), Penalty: penaltyPtr(out.Penalty)}
}

// =============================================================================
// PROVIDERS
// =============================================================================

type AccountDTO struct {
	ProviderID       string          `json:"provider_id"`
	OwnerID          string          `json:"owner_id"`
	BusinessName     string          `json:"business_name"`
	Status           string          `json:"status"`
	SuspendedUntil   *time.Time      `json:"suspended_until,omitempty"`
	SuspensionReason string          `json:"suspension_reason,omitempty"`
	ReliabilityScore decimal.Decimal `json:"reliability_score"`
	CanAcceptBooking bool            `json:"can_accept_bookings"`
	PenaltyHistory   []HistoryDTO    `json:"penalty_history"`
}

type HistoryDTO struct {
	PenaltyID string          `json:"penalty_id"`
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	AppliedAt time.Time       `json:"applied_at"`
	Amount    decimal.Decimal `json:"amount"`
}

type RegisterProviderRequest struct {
	ProviderID   string `json:"provider_id"`
	OwnerID      string `json:"owner_id"`
	BusinessName string `json:"business_name"`
}

type ProviderPenaltiesDTO struct {
	Penalties []PenaltyDTO `json:"penalties"`
	Summary   SummaryDTO   `json:"summary"`
}

type SummaryDTO struct {
	Total          int             `json:"total"`
	Active         int             `json:"active"`
	MonetaryTotal  decimal.Decimal `json:"monetary_total"`
	SuspensionDays int             `json:"suspension_days"`
}

func toAccountDTO(a *domain.ProviderAccount) AccountDTO {
	history := make([]HistoryDTO, 0, len(a.PenaltyHistory))
	for _, e := range a.PenaltyHistory {
		history = append(history, HistoryDTO{
			PenaltyID: e.PenaltyID,
			Type:      string(e.Type),
			Severity:  string(e.Severity),
			AppliedAt: e.AppliedAt,
			Amount:    e.Amount,
		})
	}
	return AccountDTO{
		ProviderID:       a.ProviderID,
		OwnerID:          a.OwnerID,
		BusinessName:     a.BusinessName,
		Status:           string(a.Status),
		SuspendedUntil:   a.SuspendedUntil,
		SuspensionReason: a.SuspensionReason,
		ReliabilityScore: a.ReliabilityScore,
		CanAcceptBooking: a.CanAcceptBookings(),
		PenaltyHistory:   history,
	}
}

// =============================================================================
// ADMIN
// =============================================================================

type StatsDTO struct {
	Period       string      `json:"period"`
	From         time.Time   `json:"from"`
	To           time.Time   `json:"to"`
	Totals       TotalsDTO   `json:"totals"`
	ByType       []BucketDTO `json:"by_type"`
	BySeverity   []BucketDTO `json:"by_severity"`
	Timeline     []BucketDTO `json:"timeline"`
	TopProviders []BucketDTO `json:"top_providers"`
}

type TotalsDTO struct {
	Total          int             `json:"total"`
	Active         int             `json:"active"`
	Cancelled      int             `json:"cancelled"`
	MonetaryTotal  decimal.Decimal `json:"monetary_total"`
	SuspensionDays int             `json:"suspension_days"`
	PendingAppeals int             `json:"pending_appeals"`
}

type BucketDTO struct {
	Key            string          `json:"key"`
	Count          int             `json:"count"`
	MonetaryTotal  decimal.Decimal `json:"monetary_total"`
	AverageAmount  decimal.Decimal `json:"average_amount"`
	SuspensionDays int             `json:"suspension_days"`
}

func toStatsDTO(st *penalty.Stats) StatsDTO {
	t := st.Totals
	return StatsDTO{
		Period: st.Period,
		From:   st.From,
		To:     st.To,
		Totals: TotalsDTO{
			Total:          t.Total,
			Active:         t.Active,
			Cancelled:      t.Cancelled,
			MonetaryTotal:  t.MonetaryTotal,
			SuspensionDays: t.SuspensionDays,
			PendingAppeals: t.PendingAppeals,
		},
		ByType:       toBucketDTOs(st.ByType),
		BySeverity:   toBucketDTOs(st.BySeverity),
		Timeline:     toBucketDTOs(st.Timeline),
		TopProviders: toBucketDTOs(st.TopProviders),
	}
}

func toBucketDTOs(bs []penalty.Bucket) []BucketDTO {
	out := make([]BucketDTO, 0, len(bs))
	for _, b := range bs {
		out = append(out, BucketDTO{
			Key:            b.Key,
			Count:          b.Count,
			MonetaryTotal:  b.MonetaryTotal,
			AverageAmount:  b.AverageAmount,
			SuspensionDays: b.SuspensionDays,
		})
	}
	return out
}

type SweepReportDTO struct {
	Passes []PassDTO `json:"passes"`
}

type PassDTO struct {
	Pass      string   `json:"pass"`
	Examined  int      `json:"examined"`
	Processed int      `json:"processed"`
	Skipped   bool     `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

func toSweepReportDTO(r sweeper.Report) SweepReportDTO {
	out := SweepReportDTO{Passes: make([]PassDTO, 0, len(r.Results))}
	for _, res := range r.Results {
		p := PassDTO{Pass: res.Pass, Examined: res.Examined, Processed: res.Processed, Skipped: res.Skipped}
		for _, err := range res.Errors {
			p.Errors = append(p.Errors, err.Error())
		}
		out.Passes = append(out.Passes, p)
	}
	return out
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
