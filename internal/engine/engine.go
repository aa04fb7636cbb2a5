package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lotline/internal/config"
	"lotline/internal/domain"
	"lotline/internal/events"
	"lotline/internal/ledger"
	"lotline/internal/lifecycle"
	"lotline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Ledger    ledger.Anchorer
	Lifecycle lifecycle.Engine
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: ledger.NewMock(),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) lifecycleEngine() lifecycle.Engine {
	lc := e.Lifecycle
	if lc.Now == nil {
		lc.Now = e.Now
	}
	return lc
}

// TransitionError wraps a business-rule rejection so callers can tell it
// apart from infrastructure failures and surface the structured detail.
type TransitionError struct {
	Rejection *lifecycle.Rejection
}

func (te *TransitionError) Error() string {
	return te.Rejection.Reason()
}

// AsTransitionError unwraps a TransitionError from an error chain.
func AsTransitionError(err error) (*TransitionError, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// EnsureRegistry resolves the active registry: explicit override first,
// then the single registry in the DB. A missing registry is created on the
// fly with the default config seeded.
func (e Engine) EnsureRegistry(ctx context.Context, registryID, name, actorID string) (domain.Registry, error) {
	if registryID == "" {
		reg, err := e.Repo.SingleRegistry(ctx)
		if err == nil {
			return reg, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Registry{}, err
		}
		return domain.Registry{}, fmt.Errorf("registry not specified; use --registry")
	}
	if reg, err := e.Repo.GetRegistry(ctx, registryID); err == nil {
		return reg, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Registry{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Registry{}, err
	}
	defer tx.Rollback()

	if name == "" {
		name = registryID
	}
	reg := domain.Registry{
		ID:        registryID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO registries(id,name,description,created_at) VALUES (?,?,?,?)`,
		reg.ID, reg.Name, reg.Description, reg.CreatedAt); err != nil {
		return domain.Registry{}, fmt.Errorf("insert registry: %w", err)
	}
	if err := e.Repo.UpsertRegistryConfigTx(ctx, tx, reg.ID, config.Default(reg.ID)); err != nil {
		return domain.Registry{}, fmt.Errorf("seed registry config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "registry.init", reg.ID, "registry", reg.ID, actorID, nil); err != nil {
		return domain.Registry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Registry{}, err
	}
	return reg, nil
}

// LotCreateOptions are parameters for creating a lot.
type LotCreateOptions struct {
	ID            string
	RegistryID    string
	ProjectID     string
	VintageYear   int
	Quantity      float64
	PricePerTonne *float64
	ActorID       string
}

func (e Engine) CreateLot(ctx context.Context, opts LotCreateOptions) (domain.Lot, error) {
	if opts.RegistryID == "" {
		return domain.Lot{}, errors.New("registry is required")
	}
	if opts.ProjectID == "" {
		return domain.Lot{}, errors.New("project is required")
	}
	if opts.VintageYear < 1990 || opts.VintageYear > e.now().Year()+1 {
		return domain.Lot{}, fmt.Errorf("vintage year %d out of range", opts.VintageYear)
	}
	if opts.Quantity <= 0 {
		return domain.Lot{}, errors.New("quantity must be positive")
	}
	if _, err := e.Repo.GetRegistry(ctx, opts.RegistryID); err != nil {
		return domain.Lot{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.RegistryID+"|"+opts.ProjectID+"|"+now)).String()
	}
	initial, err := lifecycle.InitialState(lifecycle.KindLot)
	if err != nil {
		return domain.Lot{}, err
	}
	l := domain.Lot{
		ID:            id,
		RegistryID:    opts.RegistryID,
		ProjectID:     opts.ProjectID,
		VintageYear:   opts.VintageYear,
		Quantity:      opts.Quantity,
		Remaining:     opts.Quantity,
		PricePerTonne: opts.PricePerTonne,
		State:         string(initial),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLot(ctx, tx, l); err != nil {
		return domain.Lot{}, fmt.Errorf("insert lot: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "lot.created", l.RegistryID, "lot", l.ID, opts.ActorID, events.EventPayload{
		"project_id": l.ProjectID, "quantity": l.Quantity, "vintage_year": l.VintageYear,
	}); err != nil {
		return domain.Lot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lot{}, err
	}
	return l, nil
}

// LotTransitionOptions are parameters for moving a lot to a new state.
// Evidence the guards cannot derive from storage is passed explicitly.
type LotTransitionOptions struct {
	ID                string
	To                string
	ActorID           string
	PricePerTonne     *float64
	VerificationProof map[string]any
	FinalSaleAmount   *float64
}

// TransitionLot attempts a guarded lot transition. Proof evidence and the
// listing price are read inside the transaction so the guard sees the same
// snapshot the write applies to.
func (e Engine) TransitionLot(ctx context.Context, opts LotTransitionOptions) (domain.Lot, error) {
	to, err := lifecycle.ParseState(lifecycle.KindLot, opts.To)
	if err != nil {
		return domain.Lot{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lot{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLotTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Lot{}, err
	}
	if opts.PricePerTonne != nil {
		l.PricePerTonne = opts.PricePerTonne
	}
	proofs, err := e.Repo.ListLotProofsTx(ctx, tx, l.ID)
	if err != nil {
		return domain.Lot{}, err
	}
	records := proofRecords(proofs)

	lctx := lifecycle.Context{
		HasValidUploads:   len(proofs) > 0,
		VerificationProof: opts.VerificationProof,
		Proofs:            records,
		FinalSaleAmount:   opts.FinalSaleAmount,
	}
	if l.PricePerTonne != nil {
		lctx.Price = *l.PricePerTonne
	}
	if lctx.FinalSaleAmount == nil && l.Remaining == 0 && l.Quantity > 0 {
		sold := l.Quantity
		if l.PricePerTonne != nil {
			sold = l.Quantity * *l.PricePerTonne
		}
		lctx.FinalSaleAmount = &sold
	}

	res, err := e.lifecycleEngine().AttemptTransition(lifecycle.KindLot, lifecycle.State(l.State), to, lctx)
	if err != nil {
		return domain.Lot{}, err
	}
	if !res.Accepted {
		return domain.Lot{}, &TransitionError{Rejection: res.Rejection}
	}

	l.State = string(to)
	l.PDI = lifecycle.ComputePDI(records)
	l.UpdatedAt = res.Record.Timestamp.UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateLotVersioned(ctx, tx, l); err != nil {
		return domain.Lot{}, err
	}
	l.Version++

	// minting anchors the lot on the ledger and records the token handle.
	// The anchor happens only after the versioned write reserved the row,
	// so a lost CAS race cannot leave an orphaned ledger message.
	if to == lifecycle.LotMinted {
		payload, _ := json.Marshal(map[string]any{"lot_id": l.ID, "quantity": l.Quantity, "vintage_year": l.VintageYear})
		receipt, err := e.Ledger.SubmitMessage(ctx, "lots."+l.RegistryID, payload)
		if err != nil {
			return domain.Lot{}, fmt.Errorf("mint lot: %w", err)
		}
		l.TokenID = &receipt.TxID
		if _, err := tx.ExecContext(ctx, `UPDATE lots SET token_id=? WHERE id=?`, receipt.TxID, l.ID); err != nil {
			return domain.Lot{}, err
		}
	}
	if err := e.recordTransition(ctx, tx, l.RegistryID, lifecycle.KindLot, l.ID, res.Record, opts.ActorID); err != nil {
		return domain.Lot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lot{}, err
	}
	return l, nil
}

// ProofCreateOptions are parameters for attaching a proof to a lot.
type ProofCreateOptions struct {
	ID                  string
	LotID               string
	Type                string
	URI                 string
	ExifValidationScore *float64
	NDVIValidationScore *float64
	OverallQualityScore *float64
	ActorID             string
}

func (e Engine) AddProof(ctx context.Context, opts ProofCreateOptions) (domain.Proof, error) {
	pt, ok := lifecycle.ParseProofType(opts.Type)
	if !ok {
		return domain.Proof{}, fmt.Errorf("unknown proof type %q", opts.Type)
	}
	if opts.ActorID == "" {
		return domain.Proof{}, errors.New("actor is required")
	}
	l, err := e.Repo.GetLot(ctx, opts.LotID)
	if err != nil {
		return domain.Proof{}, err
	}
	if terminal, err := lifecycle.IsTerminal(lifecycle.KindLot, lifecycle.State(l.State)); err != nil {
		return domain.Proof{}, err
	} else if terminal {
		return domain.Proof{}, fmt.Errorf("lot %s is %s; proofs are frozen", l.ID, l.State)
	}
	if cfg, err := e.registryConfig(ctx, l.RegistryID); err == nil {
		if _, ok := cfg.Proofs.Catalog[string(pt)]; !ok {
			return domain.Proof{}, fmt.Errorf("proof type %s not in registry catalog", pt)
		}
	}
	for _, s := range []*float64{opts.ExifValidationScore, opts.NDVIValidationScore, opts.OverallQualityScore} {
		if s != nil && (*s < 0 || *s > 1) {
			return domain.Proof{}, errors.New("scores must be within [0,1]")
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Proof{
		ID:                  id,
		RegistryID:          l.RegistryID,
		LotID:               l.ID,
		Type:                string(pt),
		Status:              string(lifecycle.ProofPending),
		URI:                 opts.URI,
		ExifValidationScore: opts.ExifValidationScore,
		NDVIValidationScore: opts.NDVIValidationScore,
		OverallQualityScore: opts.OverallQualityScore,
		SubmittedBy:         opts.ActorID,
		CreatedAt:           now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proof{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProof(ctx, tx, p); err != nil {
		return domain.Proof{}, fmt.Errorf("insert proof: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "proof.added", p.RegistryID, "proof", p.ID, opts.ActorID, events.EventPayload{
		"lot_id": p.LotID, "type": p.Type,
	}); err != nil {
		return domain.Proof{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proof{}, err
	}
	return p, nil
}

// ProofVerifyOptions carry the verifier's quality sub-scores.
type ProofVerifyOptions struct {
	ID                  string
	ExifValidationScore *float64
	NDVIValidationScore *float64
	OverallQualityScore *float64
	ActorID             string
}

func (e Engine) VerifyProof(ctx context.Context, opts ProofVerifyOptions) (domain.Proof, error) {
	p, err := e.Repo.GetProof(ctx, opts.ID)
	if err != nil {
		return domain.Proof{}, err
	}
	if p.Status == string(lifecycle.ProofVerified) {
		return domain.Proof{}, fmt.Errorf("proof %s already verified", p.ID)
	}
	scores := domain.Proof{
		ExifValidationScore: coalesceFloat(opts.ExifValidationScore, p.ExifValidationScore),
		NDVIValidationScore: coalesceFloat(opts.NDVIValidationScore, p.NDVIValidationScore),
		OverallQualityScore: coalesceFloat(opts.OverallQualityScore, p.OverallQualityScore),
	}
	for _, s := range []*float64{scores.ExifValidationScore, scores.NDVIValidationScore, scores.OverallQualityScore} {
		if s != nil && (*s < 0 || *s > 1) {
			return domain.Proof{}, errors.New("scores must be within [0,1]")
		}
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proof{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkProofVerified(ctx, tx, p.ID, scores, now); err != nil {
		return domain.Proof{}, err
	}
	// the verified set changed, so the lot's stored score is stale
	l, err := e.Repo.GetLotTx(ctx, tx, p.LotID)
	if err != nil {
		return domain.Proof{}, err
	}
	proofs, err := e.Repo.ListLotProofsTx(ctx, tx, l.ID)
	if err != nil {
		return domain.Proof{}, err
	}
	l.PDI = lifecycle.ComputePDI(proofRecords(proofs))
	l.UpdatedAt = now
	if err := e.Repo.UpdateLotVersioned(ctx, tx, l); err != nil {
		return domain.Proof{}, err
	}
	if err := e.Events.Append(ctx, tx, "proof.verified", p.RegistryID, "proof", p.ID, opts.ActorID, events.EventPayload{
		"lot_id": p.LotID,
	}); err != nil {
		return domain.Proof{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proof{}, err
	}
	p.Status = string(lifecycle.ProofVerified)
	p.ExifValidationScore = scores.ExifValidationScore
	p.NDVIValidationScore = scores.NDVIValidationScore
	p.OverallQualityScore = scores.OverallQualityScore
	p.VerifiedAt = &now
	return p, nil
}

// LotScore is the PDI report for a lot.
type LotScore struct {
	LotID      string                       `json:"lot_id"`
	PDI        int                          `json:"pdi"`
	Listable   bool                         `json:"listable"`
	Categories map[lifecycle.ProofType]bool `json:"categories"`
}

func (e Engine) LotPDI(ctx context.Context, lotID string) (LotScore, error) {
	l, err := e.Repo.GetLot(ctx, lotID)
	if err != nil {
		return LotScore{}, err
	}
	proofs, err := e.Repo.ListLotProofs(ctx, l.ID)
	if err != nil {
		return LotScore{}, err
	}
	records := proofRecords(proofs)
	pdi := lifecycle.ComputePDI(records)
	return LotScore{
		LotID:      l.ID,
		PDI:        pdi,
		Listable:   pdi >= lifecycle.ListingPDIThreshold,
		Categories: lifecycle.CategoryBreakdown(records),
	}, nil
}

// OrderCreateOptions are parameters for placing an order against a lot.
type OrderCreateOptions struct {
	ID            string
	LotID         string
	BuyerID       string
	Quantity      float64
	PricePerTonne *float64
	ActorID       string
}

func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.Order, error) {
	if opts.BuyerID == "" {
		return domain.Order{}, errors.New("buyer is required")
	}
	if opts.Quantity <= 0 {
		return domain.Order{}, errors.New("quantity must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLotTx(ctx, tx, opts.LotID)
	if err != nil {
		return domain.Order{}, err
	}
	switch lifecycle.State(l.State) {
	case lifecycle.LotListed, lifecycle.LotPartiallySold:
	default:
		return domain.Order{}, fmt.Errorf("lot %s is %s; not purchasable", l.ID, l.State)
	}
	if opts.Quantity > l.Remaining {
		return domain.Order{}, fmt.Errorf("quantity %.3f exceeds remaining %.3f", opts.Quantity, l.Remaining)
	}
	price := 0.0
	if opts.PricePerTonne != nil {
		price = *opts.PricePerTonne
	} else if l.PricePerTonne != nil {
		price = *l.PricePerTonne
	}
	if price <= 0 {
		return domain.Order{}, errors.New("price must be positive")
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	initial, err := lifecycle.InitialState(lifecycle.KindOrder)
	if err != nil {
		return domain.Order{}, err
	}
	o := domain.Order{
		ID:            id,
		RegistryID:    l.RegistryID,
		LotID:         l.ID,
		BuyerID:       opts.BuyerID,
		Quantity:      opts.Quantity,
		PricePerTonne: price,
		State:         string(initial),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertOrder(ctx, tx, o); err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "order.created", o.RegistryID, "order", o.ID, opts.ActorID, events.EventPayload{
		"lot_id": o.LotID, "buyer_id": o.BuyerID, "quantity": o.Quantity,
	}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// OrderTransitionOptions are parameters for moving an order to a new state.
type OrderTransitionOptions struct {
	ID                   string
	To                   string
	ActorID              string
	PaymentConfirmation  map[string]any
	EscrowAmount         *float64
	EscrowTerms          map[string]any
	DeliveryConfirmation map[string]any
	RefundAmount         *float64
	RefundReason         string
}

// TransitionOrder attempts a guarded order transition. Completing an order
// settles it against the lot: the remaining balance is decremented in the
// same transaction. Lot state changes stay separate lot transitions.
func (e Engine) TransitionOrder(ctx context.Context, opts OrderTransitionOptions) (domain.Order, error) {
	to, err := lifecycle.ParseState(lifecycle.KindOrder, opts.To)
	if err != nil {
		return domain.Order{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Order{}, err
	}
	lctx := lifecycle.Context{
		PaymentConfirmation:  opts.PaymentConfirmation,
		EscrowAmount:         opts.EscrowAmount,
		EscrowTerms:          opts.EscrowTerms,
		DeliveryConfirmation: opts.DeliveryConfirmation,
		RefundAmount:         opts.RefundAmount,
		RefundReason:         opts.RefundReason,
	}
	res, err := e.lifecycleEngine().AttemptTransition(lifecycle.KindOrder, lifecycle.State(o.State), to, lctx)
	if err != nil {
		return domain.Order{}, err
	}
	if !res.Accepted {
		return domain.Order{}, &TransitionError{Rejection: res.Rejection}
	}

	ts := res.Record.Timestamp.UTC().Format(time.RFC3339)
	if to == lifecycle.OrderCompleted {
		l, err := e.Repo.GetLotTx(ctx, tx, o.LotID)
		if err != nil {
			return domain.Order{}, err
		}
		if o.Quantity > l.Remaining {
			return domain.Order{}, fmt.Errorf("order quantity %.3f exceeds lot remaining %.3f", o.Quantity, l.Remaining)
		}
		l.Remaining -= o.Quantity
		l.UpdatedAt = ts
		if err := e.Repo.UpdateLotVersioned(ctx, tx, l); err != nil {
			return domain.Order{}, err
		}
	}

	o.State = string(to)
	o.UpdatedAt = ts
	if err := e.Repo.UpdateOrderVersioned(ctx, tx, o); err != nil {
		return domain.Order{}, err
	}
	o.Version++
	if err := e.recordTransition(ctx, tx, o.RegistryID, lifecycle.KindOrder, o.ID, res.Record, opts.ActorID); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// ClaimCreateOptions are parameters for opening a retirement claim.
type ClaimCreateOptions struct {
	ID             string
	OrderID        string
	BadgeRequested bool
	ActorID        string
}

func (e Engine) CreateClaim(ctx context.Context, opts ClaimCreateOptions) (domain.Claim, error) {
	o, err := e.Repo.GetOrder(ctx, opts.OrderID)
	if err != nil {
		return domain.Claim{}, err
	}
	if lifecycle.State(o.State) != lifecycle.OrderCompleted {
		return domain.Claim{}, fmt.Errorf("order %s is %s; claims need a completed order", o.ID, o.State)
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	initial, err := lifecycle.InitialState(lifecycle.KindClaim)
	if err != nil {
		return domain.Claim{}, err
	}
	c := domain.Claim{
		ID:             id,
		RegistryID:     o.RegistryID,
		OrderID:        o.ID,
		State:          string(initial),
		Step:           int(lifecycle.StepSelectLot),
		BadgeRequested: opts.BadgeRequested,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertClaim(ctx, tx, c); err != nil {
		return domain.Claim{}, fmt.Errorf("insert claim: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "claim.created", c.RegistryID, "claim", c.ID, opts.ActorID, events.EventPayload{
		"order_id": c.OrderID, "badge_requested": c.BadgeRequested,
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

// ClaimTransitionOptions are parameters for moving a claim's review state.
type ClaimTransitionOptions struct {
	ID                    string
	To                    string
	ActorID               string
	ClaimData             map[string]any
	SupportingDocuments   []map[string]any
	VerificationReport    map[string]any
	ApprovalSignature     string
	RetirementCertificate map[string]any
}

func (e Engine) TransitionClaim(ctx context.Context, opts ClaimTransitionOptions) (domain.Claim, error) {
	to, err := lifecycle.ParseState(lifecycle.KindClaim, opts.To)
	if err != nil {
		return domain.Claim{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetClaimTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Claim{}, err
	}
	lctx := lifecycle.Context{
		ClaimData:             opts.ClaimData,
		SupportingDocuments:   opts.SupportingDocuments,
		VerificationReport:    opts.VerificationReport,
		ApprovalSignature:     opts.ApprovalSignature,
		RetirementCertificate: opts.RetirementCertificate,
	}
	res, err := e.lifecycleEngine().AttemptTransition(lifecycle.KindClaim, lifecycle.State(c.State), to, lctx)
	if err != nil {
		return domain.Claim{}, err
	}
	if !res.Accepted {
		return domain.Claim{}, &TransitionError{Rejection: res.Rejection}
	}
	c.State = string(to)
	c.UpdatedAt = res.Record.Timestamp.UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateClaimVersioned(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	c.Version++
	if err := e.recordTransition(ctx, tx, c.RegistryID, lifecycle.KindClaim, c.ID, res.Record, opts.ActorID); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

// History is an entity's recorded transition rows plus a replay verdict
// against the current tables.
type History struct {
	Steps  []domain.Transition     `json:"steps"`
	Replay lifecycle.HistoryResult `json:"replay"`
}

func (e Engine) EntityHistory(ctx context.Context, kind, entityID string) (History, error) {
	k, err := lifecycle.ParseKind(kind)
	if err != nil {
		return History{}, err
	}
	rows, err := e.Repo.ListTransitions(ctx, string(k), entityID)
	if err != nil {
		return History{}, err
	}
	if len(rows) == 0 {
		if _, err := e.entityExists(ctx, k, entityID); err != nil {
			return History{}, err
		}
	}
	steps := make([]lifecycle.Step, 0, len(rows))
	for _, t := range rows {
		steps = append(steps, lifecycle.Step{From: lifecycle.State(t.FromState), To: lifecycle.State(t.ToState)})
	}
	replay := lifecycle.HistoryResult{Valid: true}
	if len(steps) > 0 {
		replay, err = e.lifecycleEngine().ValidateHistory(k, steps)
		if err != nil {
			return History{}, err
		}
	}
	return History{Steps: rows, Replay: replay}, nil
}

func (e Engine) entityExists(ctx context.Context, kind lifecycle.EntityKind, id string) (bool, error) {
	var err error
	switch kind {
	case lifecycle.KindLot:
		_, err = e.Repo.GetLot(ctx, id)
	case lifecycle.KindOrder:
		_, err = e.Repo.GetOrder(ctx, id)
	case lifecycle.KindClaim:
		_, err = e.Repo.GetClaim(ctx, id)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) recordTransition(ctx context.Context, tx *sql.Tx, registryID string, kind lifecycle.EntityKind, entityID string, rec *lifecycle.Record, actorID string) error {
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		ctxJSON = []byte("{}")
	}
	t := domain.Transition{
		RegistryID:  registryID,
		EntityKind:  string(kind),
		EntityID:    entityID,
		FromState:   string(rec.From),
		ToState:     string(rec.To),
		ActorID:     actorID,
		ContextJSON: string(ctxJSON),
		Terminal:    rec.Terminal,
		TS:          rec.Timestamp.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertTransition(ctx, tx, t); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return e.Events.Append(ctx, tx, string(kind)+".transition", registryID, string(kind), entityID, actorID, events.EventPayload{
		"from": t.FromState, "to": t.ToState, "terminal": t.Terminal,
	})
}

func (e Engine) registryConfig(ctx context.Context, registryID string) (*config.Config, error) {
	if e.Config != nil && e.Config.Registry.ID == registryID {
		return e.Config, nil
	}
	return e.Repo.GetRegistryConfig(ctx, registryID)
}

func proofRecords(proofs []domain.Proof) []lifecycle.ProofRecord {
	records := make([]lifecycle.ProofRecord, 0, len(proofs))
	for _, p := range proofs {
		records = append(records, lifecycle.ProofRecord{
			Type:                lifecycle.ProofType(p.Type),
			Status:              lifecycle.ProofStatus(p.Status),
			ExifValidationScore: p.ExifValidationScore,
			NDVIValidationScore: p.NDVIValidationScore,
			OverallQualityScore: p.OverallQualityScore,
		})
	}
	return records
}

func coalesceFloat(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}
