package lifecycle_test

import (
	"testing"
	"time"

	"lotline/internal/lifecycle"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newEngine() lifecycle.Engine {
	return lifecycle.Engine{Now: func() time.Time { return fixedNow }}
}

func mustAttempt(t *testing.T, eng lifecycle.Engine, kind lifecycle.EntityKind, from, to lifecycle.State, ctx lifecycle.Context) lifecycle.Result {
	t.Helper()
	res, err := eng.AttemptTransition(kind, from, to, ctx)
	if err != nil {
		t.Fatalf("attempt %s %s -> %s: %v", kind, from, to, err)
	}
	return res
}

func TestAttemptTransitionAccepted(t *testing.T) {
	eng := newEngine()
	res := mustAttempt(t, eng, lifecycle.KindLot, lifecycle.LotDraft, lifecycle.LotProofed,
		lifecycle.Context{HasValidUploads: true})
	if !res.Accepted || res.Record == nil {
		t.Fatalf("expected accepted result, got %+v", res)
	}
	rec := res.Record
	if rec.From != lifecycle.LotDraft || rec.To != lifecycle.LotProofed {
		t.Fatalf("record endpoints wrong: %+v", rec)
	}
	if !rec.Timestamp.Equal(fixedNow) {
		t.Fatalf("timestamp: got %v, want %v", rec.Timestamp, fixedNow)
	}
	if rec.Terminal {
		t.Fatalf("proofed is not terminal")
	}
	found := false
	for _, s := range rec.Next {
		if s == lifecycle.LotPendingVerification {
			found = true
		}
	}
	if !found {
		t.Fatalf("next states missing pending_verification: %v", rec.Next)
	}
}

func TestAttemptTransitionIllegalEdge(t *testing.T) {
	eng := newEngine()
	res := mustAttempt(t, eng, lifecycle.KindLot, lifecycle.LotDraft, lifecycle.LotListed, lifecycle.Context{})
	if res.Accepted || res.Rejection == nil {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if res.Rejection.Code != lifecycle.ReasonIllegalTransition {
		t.Fatalf("code: got %s", res.Rejection.Code)
	}
	if res.Rejection.From != lifecycle.LotDraft || res.Rejection.To != lifecycle.LotListed {
		t.Fatalf("rejection endpoints wrong: %+v", res.Rejection)
	}
}

func TestAttemptTransitionGuardRejection(t *testing.T) {
	eng := newEngine()

	// price must be set before PDI is even considered
	res := mustAttempt(t, eng, lifecycle.KindLot, lifecycle.LotMinted, lifecycle.LotListed, lifecycle.Context{})
	if res.Accepted || res.Rejection.Code != lifecycle.ReasonInvalidPrice {
		t.Fatalf("expected invalid_price, got %+v", res)
	}

	// priced but under the listing threshold
	res = mustAttempt(t, eng, lifecycle.KindLot, lifecycle.LotMinted, lifecycle.LotListed, lifecycle.Context{
		Price:  12.5,
		Proofs: []lifecycle.ProofRecord{{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofVerified}},
	})
	if res.Accepted || res.Rejection.Code != lifecycle.ReasonInsufficientPDI {
		t.Fatalf("expected insufficient_pdi, got %+v", res)
	}
	if res.Rejection.Threshold != lifecycle.ListingPDIThreshold || res.Rejection.Actual != 30 {
		t.Fatalf("rejection detail wrong: %+v", res.Rejection)
	}

	// exactly at threshold passes
	res = mustAttempt(t, eng, lifecycle.KindLot, lifecycle.LotMinted, lifecycle.LotListed, lifecycle.Context{
		Price: 12.5,
		Proofs: []lifecycle.ProofRecord{
			{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofVerified},
			{Type: lifecycle.ProofNDVI, Status: lifecycle.ProofVerified},
		},
	})
	if !res.Accepted {
		t.Fatalf("PDI 70 should list: %+v", res.Rejection)
	}
}

func TestAttemptTransitionUnknownKind(t *testing.T) {
	eng := newEngine()
	if _, err := eng.AttemptTransition("warehouse", "a", "b", lifecycle.Context{}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := eng.AttemptTransition(lifecycle.KindLot, "draft", "no_such_state", lifecycle.Context{}); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestOrderDisputePath(t *testing.T) {
	eng := newEngine()
	amount := 250.0
	steps := []struct {
		from, to lifecycle.State
		ctx      lifecycle.Context
	}{
		{lifecycle.OrderPending, lifecycle.OrderConfirmed, lifecycle.Context{PaymentConfirmation: map[string]any{"ref": "pay-1"}}},
		{lifecycle.OrderConfirmed, lifecycle.OrderProcessing, lifecycle.Context{}},
		{lifecycle.OrderProcessing, lifecycle.OrderEscrow, lifecycle.Context{EscrowAmount: &amount, EscrowTerms: map[string]any{"days": 30}}},
		{lifecycle.OrderEscrow, lifecycle.OrderDisputed, lifecycle.Context{}},
		{lifecycle.OrderDisputed, lifecycle.OrderRefunded, lifecycle.Context{RefundAmount: &amount, RefundReason: "delivery disputed"}},
	}
	for _, s := range steps {
		res := mustAttempt(t, eng, lifecycle.KindOrder, s.from, s.to, s.ctx)
		if !res.Accepted {
			t.Fatalf("%s -> %s rejected: %s", s.from, s.to, res.Rejection.Reason())
		}
	}
	terminal, err := lifecycle.IsTerminal(lifecycle.KindOrder, lifecycle.OrderRefunded)
	if err != nil || !terminal {
		t.Fatalf("refunded should be terminal: %v", err)
	}
}

func TestExpiredLotCanOnlyCancel(t *testing.T) {
	eng := newEngine()
	targets, err := lifecycle.LegalTargets(lifecycle.KindLot, lifecycle.LotExpired)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0] != lifecycle.LotCancelled {
		t.Fatalf("expired targets: %v", targets)
	}
	res := mustAttempt(t, eng, lifecycle.KindLot, lifecycle.LotExpired, lifecycle.LotListed, lifecycle.Context{})
	if res.Accepted {
		t.Fatalf("expired lot must not relist")
	}
}

func TestValidateHistory(t *testing.T) {
	eng := newEngine()

	ok := []lifecycle.Step{
		{From: lifecycle.LotDraft, To: lifecycle.LotProofed},
		{From: lifecycle.LotProofed, To: lifecycle.LotPendingVerification},
		{From: lifecycle.LotPendingVerification, To: lifecycle.LotVerified},
		{From: lifecycle.LotVerified, To: lifecycle.LotMinted},
		{From: lifecycle.LotMinted, To: lifecycle.LotListed},
	}
	res, err := eng.ValidateHistory(lifecycle.KindLot, ok)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.FinalState != lifecycle.LotListed {
		t.Fatalf("valid history rejected: %+v", res)
	}

	res, err = eng.ValidateHistory(lifecycle.KindLot, nil)
	if err != nil || res.Valid {
		t.Fatalf("empty history must be invalid: %+v (%v)", res, err)
	}

	res, err = eng.ValidateHistory(lifecycle.KindLot, []lifecycle.Step{
		{From: lifecycle.LotProofed, To: lifecycle.LotPendingVerification},
	})
	if err != nil || res.Valid || res.Index != 0 {
		t.Fatalf("wrong initial state must fail at index 0: %+v (%v)", res, err)
	}

	// gap between consecutive steps
	res, err = eng.ValidateHistory(lifecycle.KindLot, []lifecycle.Step{
		{From: lifecycle.LotDraft, To: lifecycle.LotProofed},
		{From: lifecycle.LotVerified, To: lifecycle.LotMinted},
	})
	if err != nil || res.Valid || res.Index != 1 {
		t.Fatalf("gapped history must fail at index 1: %+v (%v)", res, err)
	}

	// illegal edge inside an otherwise chained sequence
	res, err = eng.ValidateHistory(lifecycle.KindLot, []lifecycle.Step{
		{From: lifecycle.LotDraft, To: lifecycle.LotProofed},
		{From: lifecycle.LotProofed, To: lifecycle.LotListed},
	})
	if err != nil || res.Valid || res.Index != 1 {
		t.Fatalf("illegal edge must fail at index 1: %+v (%v)", res, err)
	}
}

func TestAcceptedRecordRoundTripsThroughHistory(t *testing.T) {
	eng := newEngine()
	ctxs := map[lifecycle.State]lifecycle.Context{
		lifecycle.ClaimSubmitted: {ClaimData: map[string]any{"tonnes": 5}, SupportingDocuments: []map[string]any{{"uri": "doc-1"}}},
		lifecycle.ClaimVerified:  {VerificationReport: map[string]any{"auditor": "acme"}},
		lifecycle.ClaimApproved:  {ApprovalSignature: "sig-1"},
		lifecycle.ClaimRetired:   {RetirementCertificate: map[string]any{"serial": 1}},
	}
	path := []lifecycle.State{
		lifecycle.ClaimDraft, lifecycle.ClaimSubmitted, lifecycle.ClaimUnderReview,
		lifecycle.ClaimVerified, lifecycle.ClaimApproved, lifecycle.ClaimRetired,
	}
	var steps []lifecycle.Step
	for i := 1; i < len(path); i++ {
		res := mustAttempt(t, eng, lifecycle.KindClaim, path[i-1], path[i], ctxs[path[i]])
		if !res.Accepted {
			t.Fatalf("%s -> %s rejected: %s", path[i-1], path[i], res.Rejection.Reason())
		}
		steps = append(steps, lifecycle.Step{From: res.Record.From, To: res.Record.To})
	}
	hist, err := eng.ValidateHistory(lifecycle.KindClaim, steps)
	if err != nil {
		t.Fatal(err)
	}
	if !hist.Valid || hist.FinalState != lifecycle.ClaimRetired {
		t.Fatalf("recorded path should validate: %+v", hist)
	}
}
