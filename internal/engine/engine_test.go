package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lotline/internal/config"
	"lotline/internal/db"
	"lotline/internal/domain"
	"lotline/internal/engine"
	"lotline/internal/ledger"
	"lotline/internal/lifecycle"
	"lotline/internal/migrate"
	"lotline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("reg-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.EnsureRegistry(ctx, "reg-1", "Test Registry", "tester"); err != nil {
		t.Fatalf("ensure registry: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func fp(v float64) *float64 { return &v }

func createLot(t *testing.T, env testEnv) domain.Lot {
	t.Helper()
	l, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{
		RegistryID:  "reg-1",
		ProjectID:   "proj-1",
		VintageYear: 2024,
		Quantity:    100,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create lot: %v", err)
	}
	return l
}

func transitionLot(t *testing.T, env testEnv, opts engine.LotTransitionOptions) domain.Lot {
	t.Helper()
	opts.ActorID = "tester"
	l, err := env.Engine.TransitionLot(env.Ctx, opts)
	if err != nil {
		t.Fatalf("lot -> %s: %v", opts.To, err)
	}
	return l
}

// listedLot walks a fresh lot up to listed with enough verified proofs.
func listedLot(t *testing.T, env testEnv) domain.Lot {
	t.Helper()
	l := createLot(t, env)
	addVerifiedProof(t, env, l.ID, "photo", fp(0.9), nil)
	addVerifiedProof(t, env, l.ID, "ndvi", nil, fp(0.85))
	transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "proofed"})
	transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "pending_verification"})
	transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "verified", VerificationProof: map[string]any{"auditor": "acme"}})
	minted := transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "minted"})
	if minted.TokenID == nil {
		t.Fatalf("minted lot missing token id")
	}
	return transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "listed", PricePerTonne: fp(25)})
}

func addVerifiedProof(t *testing.T, env testEnv, lotID, proofType string, exif, ndvi *float64) domain.Proof {
	t.Helper()
	p, err := env.Engine.AddProof(env.Ctx, engine.ProofCreateOptions{
		LotID:   lotID,
		Type:    proofType,
		URI:     "s3://proofs/" + proofType,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("add proof: %v", err)
	}
	p, err = env.Engine.VerifyProof(env.Ctx, engine.ProofVerifyOptions{
		ID:                  p.ID,
		ExifValidationScore: exif,
		NDVIValidationScore: ndvi,
		ActorID:             "verifier",
	})
	if err != nil {
		t.Fatalf("verify proof: %v", err)
	}
	return p
}

func TestLotListingRequiresPDI(t *testing.T) {
	env := newTestEnv(t)
	l := createLot(t, env)
	addVerifiedProof(t, env, l.ID, "photo", nil, nil)
	transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "proofed"})
	transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "pending_verification"})
	transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "verified", VerificationProof: map[string]any{"auditor": "acme"}})
	transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "minted"})

	// a single photo proof scores 30, well under the listing bar
	_, err := env.Engine.TransitionLot(env.Ctx, engine.LotTransitionOptions{ID: l.ID, To: "listed", PricePerTonne: fp(25), ActorID: "tester"})
	te, ok := engine.AsTransitionError(err)
	if !ok {
		t.Fatalf("expected transition error, got %v", err)
	}
	if te.Rejection.Code != lifecycle.ReasonInsufficientPDI {
		t.Fatalf("code: %s", te.Rejection.Code)
	}

	// add ndvi coverage and retry
	addVerifiedProof(t, env, l.ID, "ndvi", nil, nil)
	listed := transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "listed", PricePerTonne: fp(25)})
	if listed.State != "listed" {
		t.Fatalf("state: %s", listed.State)
	}
}

func TestLotIllegalTransition(t *testing.T) {
	env := newTestEnv(t)
	l := createLot(t, env)
	_, err := env.Engine.TransitionLot(env.Ctx, engine.LotTransitionOptions{ID: l.ID, To: "listed", ActorID: "tester"})
	te, ok := engine.AsTransitionError(err)
	if !ok || te.Rejection.Code != lifecycle.ReasonIllegalTransition {
		t.Fatalf("expected illegal_transition, got %v", err)
	}
	// rejections leave no trace
	got, err := env.Engine.Repo.GetLot(env.Ctx, l.ID)
	if err != nil || got.State != "draft" || got.Version != 1 {
		t.Fatalf("lot mutated by rejection: %+v (%v)", got, err)
	}
}

func TestLotPDIReport(t *testing.T) {
	env := newTestEnv(t)
	l := createLot(t, env)
	addVerifiedProof(t, env, l.ID, "photo", fp(0.9), nil)
	addVerifiedProof(t, env, l.ID, "ndvi", nil, fp(0.7))
	score, err := env.Engine.LotPDI(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("pdi: %v", err)
	}
	if score.PDI != 88 || !score.Listable {
		t.Fatalf("score: %+v", score)
	}
	if !score.Categories[lifecycle.ProofPhoto] || score.Categories[lifecycle.ProofQC] {
		t.Fatalf("categories: %+v", score.Categories)
	}
}

func TestOrderSettlementDecrementsLot(t *testing.T) {
	env := newTestEnv(t)
	l := listedLot(t, env)
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		LotID: l.ID, BuyerID: "buyer-1", Quantity: 40, ActorID: "buyer-1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if o.PricePerTonne != 25 {
		t.Fatalf("price should default from lot: %v", o.PricePerTonne)
	}
	steps := []engine.OrderTransitionOptions{
		{ID: o.ID, To: "confirmed", PaymentConfirmation: map[string]any{"ref": "pay-1"}},
		{ID: o.ID, To: "processing"},
		{ID: o.ID, To: "completed", DeliveryConfirmation: map[string]any{"ref": "dlv-1"}},
	}
	for _, s := range steps {
		s.ActorID = "buyer-1"
		if o, err = env.Engine.TransitionOrder(env.Ctx, s); err != nil {
			t.Fatalf("order -> %s: %v", s.To, err)
		}
	}
	got, err := env.Engine.Repo.GetLot(env.Ctx, l.ID)
	if err != nil || got.Remaining != 60 {
		t.Fatalf("remaining: %v (%v)", got.Remaining, err)
	}
}

func TestOrderOverdraft(t *testing.T) {
	env := newTestEnv(t)
	l := listedLot(t, env)
	_, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		LotID: l.ID, BuyerID: "buyer-1", Quantity: 150, ActorID: "buyer-1",
	})
	if err == nil {
		t.Fatalf("expected overdraft rejection")
	}
}

func TestStaleLotWrite(t *testing.T) {
	env := newTestEnv(t)
	l := createLot(t, env)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale := l
	stale.Version = 99
	err = env.Engine.Repo.UpdateLotVersioned(env.Ctx, tx, stale)
	if !errors.Is(err, repo.ErrStaleEntity) {
		t.Fatalf("expected ErrStaleEntity, got %v", err)
	}
}

func completedOrder(t *testing.T, env testEnv) (domain.Lot, domain.Order) {
	t.Helper()
	l := listedLot(t, env)
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		LotID: l.ID, BuyerID: "buyer-1", Quantity: 10, ActorID: "buyer-1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	for _, s := range []engine.OrderTransitionOptions{
		{ID: o.ID, To: "confirmed", PaymentConfirmation: map[string]any{"ref": "p"}, ActorID: "buyer-1"},
		{ID: o.ID, To: "processing", ActorID: "buyer-1"},
		{ID: o.ID, To: "completed", DeliveryConfirmation: map[string]any{"ref": "d"}, ActorID: "buyer-1"},
	} {
		if o, err = env.Engine.TransitionOrder(env.Ctx, s); err != nil {
			t.Fatalf("order -> %s: %v", s.To, err)
		}
	}
	return l, o
}

func TestClaimWorkflowEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	l, o := completedOrder(t, env)
	c, err := env.Engine.CreateClaim(env.Ctx, engine.ClaimCreateOptions{OrderID: o.ID, BadgeRequested: true, ActorID: "buyer-1"})
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}

	lat, lon := 44.4, 4.9
	advance := func(opts engine.ClaimStepOptions) {
		t.Helper()
		opts.ID = c.ID
		opts.ActorID = "buyer-1"
		if c, err = env.Engine.AdvanceClaimStep(env.Ctx, opts); err != nil {
			t.Fatalf("advance from step %d: %v", c.Step, err)
		}
	}
	advance(engine.ClaimStepOptions{LotID: l.ID})
	advance(engine.ClaimStepOptions{ProofType: "ndvi", FileCount: 2, Description: "seasonal capture", CaptureDate: "2025-05-20", Latitude: &lat, Longitude: &lon})
	advance(engine.ClaimStepOptions{}) // validate
	advance(engine.ClaimStepOptions{}) // pdf
	advance(engine.ClaimStepOptions{}) // json
	advance(engine.ClaimStepOptions{}) // anchor
	advance(engine.ClaimStepOptions{}) // badge

	if c.Step != 8 {
		t.Fatalf("step: %d", c.Step)
	}
	if c.PDFFileID == nil || c.JSONFileID == nil || c.AnchorTxID == nil || c.BadgeSerial == nil || c.PackFileID == nil {
		t.Fatalf("missing artifacts: %+v", c)
	}

	// step 8 is final
	_, err = env.Engine.AdvanceClaimStep(env.Ctx, engine.ClaimStepOptions{ID: c.ID, ActorID: "buyer-1"})
	te, ok := engine.AsTransitionError(err)
	if !ok || te.Rejection.Code != lifecycle.ReasonWorkflowComplete {
		t.Fatalf("expected workflow_complete, got %v", err)
	}
}

func TestClaimWorkflowSkipsBadgeWhenNotRequested(t *testing.T) {
	env := newTestEnv(t)
	l, o := completedOrder(t, env)
	c, err := env.Engine.CreateClaim(env.Ctx, engine.ClaimCreateOptions{OrderID: o.ID, ActorID: "buyer-1"})
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	for _, opts := range []engine.ClaimStepOptions{
		{LotID: l.ID},
		{ProofType: "qc", FileCount: 1, Description: "lab report", CaptureDate: "2025-05-20"},
		{}, {}, {}, {},
	} {
		opts.ID = c.ID
		opts.ActorID = "buyer-1"
		if c, err = env.Engine.AdvanceClaimStep(env.Ctx, opts); err != nil {
			t.Fatalf("advance from step %d: %v", c.Step, err)
		}
	}
	if c.Step != 8 {
		t.Fatalf("anchor should skip straight to pack: step %d", c.Step)
	}
	if c.BadgeSerial != nil {
		t.Fatalf("no badge expected")
	}
}

func TestClaimRegress(t *testing.T) {
	env := newTestEnv(t)
	l, o := completedOrder(t, env)
	c, err := env.Engine.CreateClaim(env.Ctx, engine.ClaimCreateOptions{OrderID: o.ID, ActorID: "buyer-1"})
	if err != nil {
		t.Fatal(err)
	}
	if c, err = env.Engine.AdvanceClaimStep(env.Ctx, engine.ClaimStepOptions{ID: c.ID, LotID: l.ID, ActorID: "buyer-1"}); err != nil {
		t.Fatal(err)
	}
	if c, err = env.Engine.RegressClaimStep(env.Ctx, c.ID, "buyer-1"); err != nil {
		t.Fatalf("regress: %v", err)
	}
	if c.Step != 1 || c.LotID != nil {
		t.Fatalf("regress should restart selection: %+v", c)
	}
}

func TestClaimRequiresCompletedOrder(t *testing.T) {
	env := newTestEnv(t)
	l := listedLot(t, env)
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		LotID: l.ID, BuyerID: "buyer-1", Quantity: 5, ActorID: "buyer-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateClaim(env.Ctx, engine.ClaimCreateOptions{OrderID: o.ID, ActorID: "buyer-1"}); err == nil {
		t.Fatalf("pending order must not accept claims")
	}
}

func TestClaimReviewTransitions(t *testing.T) {
	env := newTestEnv(t)
	_, o := completedOrder(t, env)
	c, err := env.Engine.CreateClaim(env.Ctx, engine.ClaimCreateOptions{OrderID: o.ID, ActorID: "buyer-1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.TransitionClaim(env.Ctx, engine.ClaimTransitionOptions{ID: c.ID, To: "submitted", ActorID: "buyer-1"})
	te, ok := engine.AsTransitionError(err)
	if !ok || te.Rejection.Code != lifecycle.ReasonIncompleteSubmission {
		t.Fatalf("expected incomplete_submission, got %v", err)
	}
	c, err = env.Engine.TransitionClaim(env.Ctx, engine.ClaimTransitionOptions{
		ID: c.ID, To: "submitted", ActorID: "buyer-1",
		ClaimData:           map[string]any{"tonnes": 10},
		SupportingDocuments: []map[string]any{{"uri": "doc-1"}},
	})
	if err != nil || c.State != "submitted" {
		t.Fatalf("submit: %v", err)
	}
}

func TestEntityHistoryReplay(t *testing.T) {
	env := newTestEnv(t)
	l := listedLot(t, env)
	hist, err := env.Engine.EntityHistory(env.Ctx, "lot", l.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist.Steps) != 5 {
		t.Fatalf("steps: %d", len(hist.Steps))
	}
	if !hist.Replay.Valid || hist.Replay.FinalState != lifecycle.LotListed {
		t.Fatalf("replay: %+v", hist.Replay)
	}
	if hist.Steps[0].FromState != "draft" || hist.Steps[0].ToState != "proofed" {
		t.Fatalf("first step: %+v", hist.Steps[0])
	}
}

func TestVerifyProofUpdatesStoredLotPDI(t *testing.T) {
	env := newTestEnv(t)
	l := createLot(t, env)
	if l.PDI != 0 {
		t.Fatalf("fresh lot pdi: %d", l.PDI)
	}

	addVerifiedProof(t, env, l.ID, "photo", fp(0.9), nil)
	got, err := env.Engine.Repo.GetLot(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if got.PDI != 40 {
		t.Fatalf("pdi after photo: got %d, want 40", got.PDI)
	}

	addVerifiedProof(t, env, l.ID, "ndvi", nil, fp(0.85))
	got, err = env.Engine.Repo.GetLot(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	score, err := env.Engine.LotPDI(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("pdi report: %v", err)
	}
	if got.PDI != score.PDI {
		t.Fatalf("stored lot pdi %d disagrees with computed %d", got.PDI, score.PDI)
	}
	if got.PDI != 90 {
		t.Fatalf("pdi after ndvi: got %d, want 90", got.PDI)
	}

	// the listing transition carries the score through unchanged
	listed := listedLot(t, env)
	if listed.PDI < lifecycle.ListingPDIThreshold {
		t.Fatalf("listed lot pdi %d under threshold", listed.PDI)
	}
}

type failingAnchorer struct {
	ledger.Anchorer
}

func (failingAnchorer) SubmitMessage(ctx context.Context, topic string, payload []byte) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("ledger unavailable")
}

func TestMintLedgerFailureLeavesLotUntouched(t *testing.T) {
	env := newTestEnv(t)
	l := createLot(t, env)
	addVerifiedProof(t, env, l.ID, "photo", fp(0.9), nil)
	addVerifiedProof(t, env, l.ID, "ndvi", nil, fp(0.85))
	transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "proofed"})
	transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "pending_verification"})
	verified := transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "verified", VerificationProof: map[string]any{"auditor": "acme"}})

	env.Engine.Ledger = failingAnchorer{}
	_, err := env.Engine.TransitionLot(env.Ctx, engine.LotTransitionOptions{ID: l.ID, To: "minted", ActorID: "tester"})
	if err == nil || !strings.Contains(err.Error(), "mint lot") {
		t.Fatalf("expected mint failure, got %v", err)
	}

	got, err := env.Engine.Repo.GetLot(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if got.State != "verified" || got.TokenID != nil {
		t.Fatalf("lot changed despite ledger failure: %+v", got)
	}
	if got.Version != verified.Version {
		t.Fatalf("version advanced despite rollback: %d != %d", got.Version, verified.Version)
	}

	// a retry against a healthy ledger mints cleanly
	env.Engine.Ledger = ledger.NewMock()
	minted := transitionLot(t, env, engine.LotTransitionOptions{ID: l.ID, To: "minted"})
	if minted.TokenID == nil || *minted.TokenID == "" {
		t.Fatalf("retry did not record token id: %+v", minted)
	}
}
