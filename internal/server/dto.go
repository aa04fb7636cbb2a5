package server

import (
	"encoding/json"

	"lotline/internal/config"
	"lotline/internal/domain"
	"lotline/internal/engine"
	"lotline/internal/lifecycle"
)

// Request payloads

type CreateRegistryRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateLotRequest struct {
	ID            *string  `json:"id,omitempty"`
	ProjectID     string   `json:"project_id"`
	VintageYear   int      `json:"vintage_year"`
	Quantity      float64  `json:"quantity"`
	PricePerTonne *float64 `json:"price_per_tonne,omitempty"`
}

type TransitionLotRequest struct {
	To                string         `json:"to" enum:"draft,proofed,pending_verification,verified,minted,listed,partially_sold,sold_out,retired,cancelled,expired"`
	PricePerTonne     *float64       `json:"price_per_tonne,omitempty"`
	VerificationProof map[string]any `json:"verification_proof,omitempty"`
	FinalSaleAmount   *float64       `json:"final_sale_amount,omitempty"`
}

type CreateProofRequest struct {
	ID                  *string  `json:"id,omitempty"`
	Type                string   `json:"type" enum:"photo,ndvi,qc"`
	URI                 string   `json:"uri,omitempty"`
	ExifValidationScore *float64 `json:"exif_validation_score,omitempty" minimum:"0" maximum:"1"`
	NDVIValidationScore *float64 `json:"ndvi_validation_score,omitempty" minimum:"0" maximum:"1"`
	OverallQualityScore *float64 `json:"overall_quality_score,omitempty" minimum:"0" maximum:"1"`
}

type VerifyProofRequest struct {
	ExifValidationScore *float64 `json:"exif_validation_score,omitempty" minimum:"0" maximum:"1"`
	NDVIValidationScore *float64 `json:"ndvi_validation_score,omitempty" minimum:"0" maximum:"1"`
	OverallQualityScore *float64 `json:"overall_quality_score,omitempty" minimum:"0" maximum:"1"`
}

type CreateOrderRequest struct {
	ID            *string  `json:"id,omitempty"`
	LotID         string   `json:"lot_id"`
	BuyerID       string   `json:"buyer_id"`
	Quantity      float64  `json:"quantity"`
	PricePerTonne *float64 `json:"price_per_tonne,omitempty"`
}

type TransitionOrderRequest struct {
	To                   string         `json:"to" enum:"pending,confirmed,processing,escrow,completed,cancelled,failed,refunded,disputed"`
	PaymentConfirmation  map[string]any `json:"payment_confirmation,omitempty"`
	EscrowAmount         *float64       `json:"escrow_amount,omitempty"`
	EscrowTerms          map[string]any `json:"escrow_terms,omitempty"`
	DeliveryConfirmation map[string]any `json:"delivery_confirmation,omitempty"`
	RefundAmount         *float64       `json:"refund_amount,omitempty"`
	RefundReason         *string        `json:"refund_reason,omitempty"`
}

type CreateClaimRequest struct {
	ID             *string `json:"id,omitempty"`
	OrderID        string  `json:"order_id"`
	BadgeRequested *bool   `json:"badge_requested,omitempty"`
}

type TransitionClaimRequest struct {
	To                    string           `json:"to" enum:"draft,submitted,under_review,verified,approved,rejected,retired,cancelled"`
	ClaimData             map[string]any   `json:"claim_data,omitempty"`
	SupportingDocuments   []map[string]any `json:"supporting_documents,omitempty"`
	VerificationReport    map[string]any   `json:"verification_report,omitempty"`
	ApprovalSignature     *string          `json:"approval_signature,omitempty"`
	RetirementCertificate map[string]any   `json:"retirement_certificate,omitempty"`
}

type AdvanceClaimStepRequest struct {
	LotID       *string  `json:"lot_id,omitempty"`
	ProofType   *string  `json:"proof_type,omitempty" enum:"photo,ndvi,qc"`
	FileCount   *int     `json:"file_count,omitempty"`
	Description *string  `json:"description,omitempty"`
	CaptureDate *string  `json:"capture_date,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type RegistryResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type LotResponse struct {
	ID            string   `json:"id"`
	RegistryID    string   `json:"registry_id"`
	ProjectID     string   `json:"project_id"`
	VintageYear   int      `json:"vintage_year"`
	Quantity      float64  `json:"quantity"`
	Remaining     float64  `json:"remaining"`
	PricePerTonne *float64 `json:"price_per_tonne,omitempty"`
	TokenID       *string  `json:"token_id,omitempty"`
	State         string   `json:"state" enum:"draft,proofed,pending_verification,verified,minted,listed,partially_sold,sold_out,retired,cancelled,expired"`
	PDI           int      `json:"pdi"`
	Version       int64    `json:"version"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type OrderResponse struct {
	ID            string  `json:"id"`
	RegistryID    string  `json:"registry_id"`
	LotID         string  `json:"lot_id"`
	BuyerID       string  `json:"buyer_id"`
	Quantity      float64 `json:"quantity"`
	PricePerTonne float64 `json:"price_per_tonne"`
	State         string  `json:"state" enum:"pending,confirmed,processing,escrow,completed,cancelled,failed,refunded,disputed"`
	Version       int64   `json:"version"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type ClaimResponse struct {
	ID               string   `json:"id"`
	RegistryID       string   `json:"registry_id"`
	OrderID          string   `json:"order_id"`
	LotID            *string  `json:"lot_id,omitempty"`
	State            string   `json:"state" enum:"draft,submitted,under_review,verified,approved,rejected,retired,cancelled"`
	Step             int      `json:"step" minimum:"1" maximum:"8"`
	StepName         string   `json:"step_name"`
	ProofType        *string  `json:"proof_type,omitempty" enum:"photo,ndvi,qc"`
	Description      *string  `json:"description,omitempty"`
	FileCount        int      `json:"file_count"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	CaptureDate      *string  `json:"capture_date,omitempty"`
	ValidationPassed bool     `json:"validation_passed"`
	PDFFileID        *string  `json:"pdf_file_id,omitempty"`
	JSONFileID       *string  `json:"json_file_id,omitempty"`
	AnchorTxID       *string  `json:"anchor_tx_id,omitempty"`
	BadgeRequested   bool     `json:"badge_requested"`
	BadgeSerial      *int64   `json:"badge_serial,omitempty"`
	PackFileID       *string  `json:"pack_file_id,omitempty"`
	Version          int64    `json:"version"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type ProofResponse struct {
	ID                  string   `json:"id"`
	RegistryID          string   `json:"registry_id"`
	LotID               string   `json:"lot_id"`
	Type                string   `json:"type" enum:"photo,ndvi,qc"`
	Status              string   `json:"status" enum:"pending,verified"`
	URI                 string   `json:"uri,omitempty"`
	ExifValidationScore *float64 `json:"exif_validation_score,omitempty"`
	NDVIValidationScore *float64 `json:"ndvi_validation_score,omitempty"`
	OverallQualityScore *float64 `json:"overall_quality_score,omitempty"`
	SubmittedBy         string   `json:"submitted_by"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	VerifiedAt          *string  `json:"verified_at,omitempty" format:"date-time"`
}

type LotScoreResponse struct {
	LotID      string          `json:"lot_id"`
	PDI        int             `json:"pdi"`
	Listable   bool            `json:"listable"`
	Threshold  int             `json:"threshold"`
	Categories map[string]bool `json:"categories"`
}

type TransitionResponse struct {
	ID         int64          `json:"id"`
	RegistryID string         `json:"registry_id"`
	EntityKind string         `json:"entity_kind" enum:"lot,order,claim"`
	EntityID   string         `json:"entity_id"`
	FromState  string         `json:"from_state"`
	ToState    string         `json:"to_state"`
	ActorID    string         `json:"actor_id"`
	Context    map[string]any `json:"context,omitempty"`
	Terminal   bool           `json:"terminal"`
	TS         string         `json:"ts" format:"date-time"`
}

type HistoryReplayResponse struct {
	Valid      bool   `json:"valid"`
	Index      int    `json:"index,omitempty"`
	Error      string `json:"error,omitempty"`
	FinalState string `json:"final_state,omitempty"`
}

type HistoryResponse struct {
	Steps  []TransitionResponse  `json:"steps"`
	Replay HistoryReplayResponse `json:"replay"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RegistryID string         `json:"registry_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type RegistryConfigResponse struct {
	Registry registryConfigSection `json:"registry"`
	Proofs   proofConfigSection    `json:"proofs"`
	Orders   orderConfigSection    `json:"orders"`
	Claims   claimConfigSection    `json:"claims"`
}

type registryConfigSection struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type proofConfigSection struct {
	Catalog map[string]proofKindResponse `json:"catalog"`
}

type proofKindResponse struct {
	Description string `json:"description"`
	RequiresGeo bool   `json:"requires_geo"`
}

type orderConfigSection struct {
	Defaults struct {
		Currency   string `json:"currency"`
		EscrowDays int    `json:"escrow_days"`
	} `json:"defaults"`
}

type claimConfigSection struct {
	BadgeDefault bool `json:"badge_default"`
}

type paginatedLots struct {
	Items      []LotResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedOrders struct {
	Items      []OrderResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedClaims struct {
	Items      []ClaimResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func registryResponse(reg domain.Registry) RegistryResponse {
	return RegistryResponse(reg)
}

func lotResponse(l domain.Lot) LotResponse {
	return LotResponse(l)
}

func orderResponse(o domain.Order) OrderResponse {
	return OrderResponse(o)
}

func claimResponse(c domain.Claim) ClaimResponse {
	return ClaimResponse{
		ID:               c.ID,
		RegistryID:       c.RegistryID,
		OrderID:          c.OrderID,
		LotID:            c.LotID,
		State:            c.State,
		Step:             c.Step,
		StepName:         lifecycle.ClaimStep(c.Step).String(),
		ProofType:        c.ProofType,
		Description:      c.Description,
		FileCount:        c.FileCount,
		Latitude:         c.Latitude,
		Longitude:        c.Longitude,
		CaptureDate:      c.CaptureDate,
		ValidationPassed: c.ValidationPassed,
		PDFFileID:        c.PDFFileID,
		JSONFileID:       c.JSONFileID,
		AnchorTxID:       c.AnchorTxID,
		BadgeRequested:   c.BadgeRequested,
		BadgeSerial:      c.BadgeSerial,
		PackFileID:       c.PackFileID,
		Version:          c.Version,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func proofResponse(p domain.Proof) ProofResponse {
	return ProofResponse(p)
}

func lotScoreResponse(s engine.LotScore) LotScoreResponse {
	categories := map[string]bool{}
	for k, v := range s.Categories {
		categories[string(k)] = v
	}
	return LotScoreResponse{
		LotID:      s.LotID,
		PDI:        s.PDI,
		Listable:   s.Listable,
		Threshold:  lifecycle.ListingPDIThreshold,
		Categories: categories,
	}
}

func transitionResponse(t domain.Transition) TransitionResponse {
	return TransitionResponse{
		ID:         t.ID,
		RegistryID: t.RegistryID,
		EntityKind: t.EntityKind,
		EntityID:   t.EntityID,
		FromState:  t.FromState,
		ToState:    t.ToState,
		ActorID:    t.ActorID,
		Context:    decodeJSONMap(strPtr(t.ContextJSON)),
		Terminal:   t.Terminal,
		TS:         t.TS,
	}
}

func historyResponse(h engine.History) HistoryResponse {
	steps := make([]TransitionResponse, 0, len(h.Steps))
	for _, t := range h.Steps {
		steps = append(steps, transitionResponse(t))
	}
	return HistoryResponse{
		Steps: steps,
		Replay: HistoryReplayResponse{
			Valid:      h.Replay.Valid,
			Index:      h.Replay.Index,
			Error:      h.Replay.Error,
			FinalState: string(h.Replay.FinalState),
		},
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RegistryID: e.RegistryID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func configResponse(cfg *config.Config) RegistryConfigResponse {
	res := RegistryConfigResponse{
		Registry: registryConfigSection{
			ID:   cfg.Registry.ID,
			Name: cfg.Registry.Name,
		},
		Proofs: proofConfigSection{
			Catalog: map[string]proofKindResponse{},
		},
		Claims: claimConfigSection{
			BadgeDefault: cfg.Claims.BadgeDefault,
		},
	}
	for k, v := range cfg.Proofs.Catalog {
		res.Proofs.Catalog[k] = proofKindResponse{
			Description: v.Description,
			RequiresGeo: v.RequiresGeo,
		}
	}
	res.Orders.Defaults.Currency = cfg.Orders.Defaults.Currency
	res.Orders.Defaults.EscrowDays = cfg.Orders.Defaults.EscrowDays
	return res
}

func mapLots(items []domain.Lot) []LotResponse {
	res := make([]LotResponse, 0, len(items))
	for _, l := range items {
		res = append(res, lotResponse(l))
	}
	return res
}

func mapOrders(items []domain.Order) []OrderResponse {
	res := make([]OrderResponse, 0, len(items))
	for _, o := range items {
		res = append(res, orderResponse(o))
	}
	return res
}

func mapClaims(items []domain.Claim) []ClaimResponse {
	res := make([]ClaimResponse, 0, len(items))
	for _, c := range items {
		res = append(res, claimResponse(c))
	}
	return res
}

func mapProofs(items []domain.Proof) []ProofResponse {
	res := make([]ProofResponse, 0, len(items))
	for _, p := range items {
		res = append(res, proofResponse(p))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func strPtr(in string) *string {
	return &in
}
