package lifecycle

import "fmt"

// EntityKind selects which transition table and guard set apply.
type EntityKind string

const (
	KindLot   EntityKind = "lot"
	KindOrder EntityKind = "order"
	KindClaim EntityKind = "claim"
)

// State is a lifecycle state. Each entity kind has its own closed set of
// states; membership is checked against the kind's transition table.
type State string

// Lot states.
const (
	LotDraft               State = "draft"
	LotProofed             State = "proofed"
	LotPendingVerification State = "pending_verification"
	LotVerified            State = "verified"
	LotMinted              State = "minted"
	LotListed              State = "listed"
	LotPartiallySold       State = "partially_sold"
	LotSoldOut             State = "sold_out"
	LotRetired             State = "retired"
	LotCancelled           State = "cancelled"
	LotExpired             State = "expired"
)

// Order states.
const (
	OrderPending    State = "pending"
	OrderConfirmed  State = "confirmed"
	OrderProcessing State = "processing"
	OrderEscrow     State = "escrow"
	OrderCompleted  State = "completed"
	OrderCancelled  State = "cancelled"
	OrderFailed     State = "failed"
	OrderRefunded   State = "refunded"
	OrderDisputed   State = "disputed"
)

// Claim states (general lifecycle; the 8-step workflow is layered on top,
// see workflow.go).
const (
	ClaimDraft       State = "draft"
	ClaimSubmitted   State = "submitted"
	ClaimUnderReview State = "under_review"
	ClaimVerified    State = "verified"
	ClaimApproved    State = "approved"
	ClaimRejected    State = "rejected"
	ClaimRetired     State = "retired"
	ClaimCancelled   State = "cancelled"
)

// ParseKind validates a raw entity kind string.
func ParseKind(raw string) (EntityKind, error) {
	switch EntityKind(raw) {
	case KindLot, KindOrder, KindClaim:
		return EntityKind(raw), nil
	}
	return "", fmt.Errorf("unknown entity kind %q", raw)
}

// ParseState validates a raw state string against a kind's state set.
func ParseState(kind EntityKind, raw string) (State, error) {
	table, ok := tables[kind]
	if !ok {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	if _, ok := table[State(raw)]; !ok {
		return "", fmt.Errorf("unknown %s state %q", kind, raw)
	}
	return State(raw), nil
}
