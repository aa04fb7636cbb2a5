package domain

type Registry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Lot struct {
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

type Order struct {
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

type Claim struct {
	ID               string   `json:"id"`
	RegistryID       string   `json:"registry_id"`
	OrderID          string   `json:"order_id"`
	LotID            *string  `json:"lot_id,omitempty"`
	State            string   `json:"state" enum:"draft,submitted,under_review,verified,approved,rejected,retired,cancelled"`
	Step             int      `json:"step" minimum:"1" maximum:"8"`
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

type Proof struct {
	ID                  string   `json:"id"`
	RegistryID          string   `json:"registry_id"`
	LotID               string   `json:"lot_id"`
	Type                string   `json:"type" enum:"photo,ndvi,qc"`
	Status              string   `json:"status" enum:"pending,verified"`
	URI                 string   `json:"uri,omitempty"`
	ExifValidationScore *float64 `json:"exif_validation_score,omitempty" minimum:"0" maximum:"1"`
	NDVIValidationScore *float64 `json:"ndvi_validation_score,omitempty" minimum:"0" maximum:"1"`
	OverallQualityScore *float64 `json:"overall_quality_score,omitempty" minimum:"0" maximum:"1"`
	SubmittedBy         string   `json:"submitted_by"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	VerifiedAt          *string  `json:"verified_at,omitempty" format:"date-time"`
}

// Transition is one audit row of an entity's state history.
type Transition struct {
	ID          int64  `json:"id"`
	RegistryID  string `json:"registry_id"`
	EntityKind  string `json:"entity_kind" enum:"lot,order,claim"`
	EntityID    string `json:"entity_id"`
	FromState   string `json:"from_state"`
	ToState     string `json:"to_state"`
	ActorID     string `json:"actor_id"`
	ContextJSON string `json:"context_json,omitempty"`
	Terminal    bool   `json:"terminal"`
	TS          string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RegistryID string `json:"registry_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
