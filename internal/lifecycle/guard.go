package lifecycle

import "fmt"

// Context carries the evidence a guard may inspect. Each guard reads only
// the fields it needs; a missing field fails the guard, never panics.
type Context struct {
	// Lot evidence
	HasValidUploads   bool           `json:"has_valid_uploads,omitempty"`
	VerificationProof map[string]any `json:"verification_proof,omitempty"`
	Price             float64        `json:"price,omitempty"`
	FinalSaleAmount   *float64       `json:"final_sale_amount,omitempty"`
	Proofs            []ProofRecord  `json:"-"`

	// Order evidence
	PaymentConfirmation  map[string]any `json:"payment_confirmation,omitempty"`
	EscrowAmount         *float64       `json:"escrow_amount,omitempty"`
	EscrowTerms          map[string]any `json:"escrow_terms,omitempty"`
	DeliveryConfirmation map[string]any `json:"delivery_confirmation,omitempty"`
	RefundAmount         *float64       `json:"refund_amount,omitempty"`
	RefundReason         string         `json:"refund_reason,omitempty"`

	// Claim evidence
	ClaimData             map[string]any   `json:"claim_data,omitempty"`
	SupportingDocuments   []map[string]any `json:"supporting_documents,omitempty"`
	VerificationReport    map[string]any   `json:"verification_report,omitempty"`
	ApprovalSignature     string           `json:"approval_signature,omitempty"`
	RetirementCertificate map[string]any   `json:"retirement_certificate,omitempty"`
}

// ReasonCode identifies why a transition was rejected.
type ReasonCode string

const (
	ReasonIllegalTransition ReasonCode = "illegal_transition"

	ReasonMissingProof               ReasonCode = "missing_proof"
	ReasonMissingVerification        ReasonCode = "missing_verification"
	ReasonInsufficientPDI            ReasonCode = "insufficient_pdi"
	ReasonInvalidPrice               ReasonCode = "invalid_price"
	ReasonMissingSaleAmount          ReasonCode = "missing_sale_amount"
	ReasonMissingPayment             ReasonCode = "missing_payment"
	ReasonMissingEscrowTerms         ReasonCode = "missing_escrow_terms"
	ReasonMissingDelivery            ReasonCode = "missing_delivery"
	ReasonMissingRefundInfo          ReasonCode = "missing_refund_info"
	ReasonIncompleteSubmission       ReasonCode = "incomplete_submission"
	ReasonMissingVerificationReport  ReasonCode = "missing_verification_report"
	ReasonMissingApproval            ReasonCode = "missing_approval"
	ReasonMissingCertificate         ReasonCode = "missing_certificate"
)

// Rejection is a structured business-rule failure. It is returned as a
// value, never raised: callers must handle the unhappy path explicitly.
type Rejection struct {
	Code      ReasonCode `json:"code"`
	From      State      `json:"from,omitempty"`
	To        State      `json:"to,omitempty"`
	Field     string     `json:"field,omitempty"`
	Threshold int        `json:"threshold,omitempty"`
	Actual    int        `json:"actual,omitempty"`
}

// Reason renders a human-readable description of the rejection.
func (r Rejection) Reason() string {
	switch r.Code {
	case ReasonIllegalTransition:
		return fmt.Sprintf("transition %s -> %s is not legal", r.From, r.To)
	case ReasonInsufficientPDI:
		return fmt.Sprintf("PDI %d%% below required %d%%", r.Actual, r.Threshold)
	default:
		if r.Field != "" {
			return fmt.Sprintf("%s: %s required", r.Code, r.Field)
		}
		return string(r.Code)
	}
}

// GuardFunc decides pass/fail for a transition into a target state,
// independent of graph legality.
type GuardFunc func(Context) *Rejection

// guards is the single source of truth for per-target business rules,
// keyed by (kind, target state). Targets without an entry have no guard
// beyond graph legality.
var guards = map[EntityKind]map[State]GuardFunc{
	KindLot: {
		LotProofed:  guardLotProofed,
		LotVerified: guardLotVerified,
		LotListed:   guardLotListed,
		LotSoldOut:  guardLotSoldOut,
	},
	KindOrder: {
		OrderConfirmed: guardOrderConfirmed,
		OrderEscrow:    guardOrderEscrow,
		OrderCompleted: guardOrderCompleted,
		OrderRefunded:  guardOrderRefunded,
	},
	KindClaim: {
		ClaimSubmitted: guardClaimSubmitted,
		ClaimVerified:  guardClaimVerified,
		ClaimApproved:  guardClaimApproved,
		ClaimRetired:   guardClaimRetired,
	},
}

func guardFor(kind EntityKind, target State) GuardFunc {
	if byTarget, ok := guards[kind]; ok {
		return byTarget[target]
	}
	return nil
}

func guardLotProofed(c Context) *Rejection {
	if !c.HasValidUploads {
		return &Rejection{Code: ReasonMissingProof, Field: "has_valid_uploads"}
	}
	return nil
}

func guardLotVerified(c Context) *Rejection {
	if c.VerificationProof == nil {
		return &Rejection{Code: ReasonMissingVerification, Field: "verification_proof"}
	}
	return nil
}

func guardLotListed(c Context) *Rejection {
	if c.Price <= 0 {
		return &Rejection{Code: ReasonInvalidPrice, Field: "price"}
	}
	if pdi := ComputePDI(c.Proofs); pdi < ListingPDIThreshold {
		return &Rejection{Code: ReasonInsufficientPDI, Threshold: ListingPDIThreshold, Actual: pdi}
	}
	return nil
}

func guardLotSoldOut(c Context) *Rejection {
	if c.FinalSaleAmount == nil {
		return &Rejection{Code: ReasonMissingSaleAmount, Field: "final_sale_amount"}
	}
	return nil
}

func guardOrderConfirmed(c Context) *Rejection {
	if c.PaymentConfirmation == nil {
		return &Rejection{Code: ReasonMissingPayment, Field: "payment_confirmation"}
	}
	return nil
}

func guardOrderEscrow(c Context) *Rejection {
	if c.EscrowAmount == nil {
		return &Rejection{Code: ReasonMissingEscrowTerms, Field: "escrow_amount"}
	}
	if c.EscrowTerms == nil {
		return &Rejection{Code: ReasonMissingEscrowTerms, Field: "escrow_terms"}
	}
	return nil
}

func guardOrderCompleted(c Context) *Rejection {
	if c.DeliveryConfirmation == nil {
		return &Rejection{Code: ReasonMissingDelivery, Field: "delivery_confirmation"}
	}
	return nil
}

func guardOrderRefunded(c Context) *Rejection {
	if c.RefundAmount == nil {
		return &Rejection{Code: ReasonMissingRefundInfo, Field: "refund_amount"}
	}
	if c.RefundReason == "" {
		return &Rejection{Code: ReasonMissingRefundInfo, Field: "refund_reason"}
	}
	return nil
}

func guardClaimSubmitted(c Context) *Rejection {
	if c.ClaimData == nil {
		return &Rejection{Code: ReasonIncompleteSubmission, Field: "claim_data"}
	}
	if len(c.SupportingDocuments) == 0 {
		return &Rejection{Code: ReasonIncompleteSubmission, Field: "supporting_documents"}
	}
	return nil
}

func guardClaimVerified(c Context) *Rejection {
	if c.VerificationReport == nil {
		return &Rejection{Code: ReasonMissingVerificationReport, Field: "verification_report"}
	}
	return nil
}

func guardClaimApproved(c Context) *Rejection {
	if c.ApprovalSignature == "" {
		return &Rejection{Code: ReasonMissingApproval, Field: "approval_signature"}
	}
	return nil
}

func guardClaimRetired(c Context) *Rejection {
	if c.RetirementCertificate == nil {
		return &Rejection{Code: ReasonMissingCertificate, Field: "retirement_certificate"}
	}
	return nil
}
