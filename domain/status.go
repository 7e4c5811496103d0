package domain

// =============================================================================
// BOOKING STATES
// =============================================================================

type BookingStatus string

const (
	BookingPending           BookingStatus = "pending"
	BookingConfirmed         BookingStatus = "confirmed"
	BookingCompleted         BookingStatus = "completed"
	BookingCancelled         BookingStatus = "cancelled"
	BookingRejected          BookingStatus = "rejected"
	BookingNoShow            BookingStatus = "no_show"
	BookingCancelledBySystem BookingStatus = "cancelled_by_system"
)

// bookingGraph is the complete transition graph. States without an entry are
// terminal.
var bookingGraph = map[BookingStatus][]BookingStatus{
	BookingPending:   {BookingConfirmed, BookingCancelled, BookingRejected, BookingCancelledBySystem},
	BookingConfirmed: {BookingCompleted, BookingCancelled, BookingNoShow, BookingCancelledBySystem},
}

// CanTransition reports whether from -> to is an edge of the booking graph.
func (from BookingStatus) CanTransition(to BookingStatus) bool {
	for _, next := range bookingGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s BookingStatus) IsTerminal() bool {
	_, ok := bookingGraph[s]
	return !ok
}

// Active reports whether the booking still occupies the provider's agenda.
func (s BookingStatus) Active() bool {
	return s == BookingPending || s == BookingConfirmed
}

// =============================================================================
// PENALTY STATES
// =============================================================================

type PenaltyStatus string

const (
	PenaltyPending   PenaltyStatus = "pending"
	PenaltyActive    PenaltyStatus = "active"
	PenaltyCancelled PenaltyStatus = "cancelled"
	PenaltyExpired   PenaltyStatus = "expired"
)

// =============================================================================
// APPEAL STATES
// =============================================================================

type AppealStatus string

const (
	AppealNone     AppealStatus = "none"
	AppealPending  AppealStatus = "pending"
	AppealApproved AppealStatus = "approved"
	AppealRejected AppealStatus = "rejected"
)

// CanTransition enforces none -> pending -> {approved, rejected}.
func (from AppealStatus) CanTransition(to AppealStatus) bool {
	switch from {
	case AppealNone, "":
		return to == AppealPending
	case AppealPending:
		return to == AppealApproved || to == AppealRejected
	default:
		return false
	}
}

// AppealStatusPtr is a helper for building expectations.
func AppealStatusPtr(s AppealStatus) *AppealStatus { return &s }
