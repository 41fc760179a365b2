// Package domain holds the medical order lifecycle model shared by the
// repository and service layers.
package domain

import "fmt"

// Status is the lifecycle state of a medical order. The numeric values are
// persisted; never renumber.
type Status int

const (
	StatusDraft             Status = 1
	StatusPending           Status = 2
	StatusUnderReview       Status = 3
	StatusApproved          Status = 4
	StatusRejected          Status = 5
	StatusPartiallyApproved Status = 6
)

// String returns the stable wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusPending:
		return "pending"
	case StatusUnderReview:
		return "under_review"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusPartiallyApproved:
		return "partially_approved"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	return s >= StatusDraft && s <= StatusPartiallyApproved
}

// Terminal reports whether the order has reached a final authorization
// outcome. Terminal orders can only change through a correction.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusPartiallyApproved
}

// CanAuthorize reports whether an authorization attempt is allowed from this
// state. Already-terminal orders must pass through correction first.
func (s Status) CanAuthorize() bool {
	return s == StatusPending || s == StatusUnderReview
}

// CanCorrect reports whether the correction workflow may reopen the order.
func (s Status) CanCorrect() bool {
	return s.Terminal() || s == StatusUnderReview
}

// AuthorizationStatus is the recorded decision on an authorized order.
type AuthorizationStatus string

const (
	AuthorizationApproved          AuthorizationStatus = "approved"
	AuthorizationRejected          AuthorizationStatus = "rejected"
	AuthorizationPartiallyApproved AuthorizationStatus = "partially_approved"
)

// AuthorizationType records how the decision was reached.
type AuthorizationType string

const (
	AuthorizationAutomatic AuthorizationType = "automatic"
	AuthorizationManual    AuthorizationType = "manual"
	// AuthorizationHybrid marks a manual decision taken over an existing
	// automatic analysis.
	AuthorizationHybrid AuthorizationType = "hybrid"
)

// StatusForDecision maps an analysis decision onto the lifecycle state it
// produces. requires_review is not terminal and maps to UnderReview.
func StatusForDecision(decision string) (Status, bool) {
	switch decision {
	case "approved":
		return StatusApproved, true
	case "rejected":
		return StatusRejected, true
	case "partial", "partially_approved":
		return StatusPartiallyApproved, true
	case "requires_review":
		return StatusUnderReview, true
	}
	return 0, false
}

// AuthorizationStatusFor maps a terminal decision to the recorded
// authorization status. Non-terminal decisions return false.
func AuthorizationStatusFor(decision string) (AuthorizationStatus, bool) {
	switch decision {
	case "approved":
		return AuthorizationApproved, true
	case "rejected":
		return AuthorizationRejected, true
	case "partial", "partially_approved":
		return AuthorizationPartiallyApproved, true
	}
	return "", false
}

// History actions recorded on lifecycle transitions.
const (
	HistoryOrderCreated        = "order_created"
	HistoryAnalysisCompleted   = "analysis_completed"
	HistoryManualAuthorization = "manual_authorization"
	HistoryOrderCorrected      = "order_corrected"
	HistoryAnalysisRefreshed   = "analysis_refreshed"
)
