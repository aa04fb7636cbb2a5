package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"lotline/internal/domain"
	"lotline/internal/events"
	"lotline/internal/lifecycle"
)

// ClaimStepOptions carry the inputs for the claim's current step. Only the
// fields the step consumes are read; the rest are ignored.
type ClaimStepOptions struct {
	ID      string
	ActorID string

	// select step
	LotID string

	// upload step
	ProofType   string
	FileCount   int
	Description string
	CaptureDate string
	Latitude    *float64
	Longitude   *float64
}

// AdvanceClaimStep performs the work of the claim's current step, then
// moves the claim forward. Steps are forward-only past validation; the
// ledger work (artifacts, anchoring, badges) happens before the step
// change is persisted so a failed side effect leaves the claim in place.
func (e Engine) AdvanceClaimStep(ctx context.Context, opts ClaimStepOptions) (domain.Claim, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetClaimTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Claim{}, err
	}
	current := lifecycle.ClaimStep(c.Step)

	switch current {
	case lifecycle.StepSelectLot:
		if err := e.selectClaimLot(ctx, tx, &c, opts); err != nil {
			return domain.Claim{}, err
		}
	case lifecycle.StepUploadProof:
		if err := e.recordClaimUpload(&c, opts); err != nil {
			return domain.Claim{}, err
		}
	case lifecycle.StepValidate:
		if err := e.validateClaimUpload(&c); err != nil {
			return domain.Claim{}, err
		}
	case lifecycle.StepGeneratePDF:
		id, err := e.storeClaimArtifact(ctx, c, "pdf")
		if err != nil {
			return domain.Claim{}, err
		}
		c.PDFFileID = &id
	case lifecycle.StepGenerateJSON:
		id, err := e.storeClaimArtifact(ctx, c, "json")
		if err != nil {
			return domain.Claim{}, err
		}
		c.JSONFileID = &id
	case lifecycle.StepAnchor:
		receipt, err := e.Ledger.SubmitMessage(ctx, "claims."+c.RegistryID, claimAnchorPayload(c))
		if err != nil {
			return domain.Claim{}, fmt.Errorf("anchor claim: %w", err)
		}
		c.AnchorTxID = &receipt.TxID
	case lifecycle.StepBadge:
		if c.BadgeRequested {
			serial, err := e.Ledger.MintBadge(ctx, c.ID)
			if err != nil {
				return domain.Claim{}, fmt.Errorf("mint badge: %w", err)
			}
			s := int64(serial)
			c.BadgeSerial = &s
		}
	}

	next, rej := lifecycle.AdvanceStep(current, claimStepContext(c))
	if rej != nil {
		return domain.Claim{}, &TransitionError{Rejection: rej}
	}
	if next == lifecycle.StepProofPack {
		id, err := e.storeClaimArtifact(ctx, c, "pack")
		if err != nil {
			return domain.Claim{}, err
		}
		c.PackFileID = &id
	}

	c.Step = int(next)
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateClaimVersioned(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	c.Version++
	if err := e.Events.Append(ctx, tx, "claim.step", c.RegistryID, "claim", c.ID, opts.ActorID, events.EventPayload{
		"from_step": int(current), "to_step": int(next), "step": next.String(),
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

// RegressClaimStep moves a claim backward where the pipeline permits it.
// Returning to lot selection discards the upload; returning an in-review
// upload keeps it for rework but drops the validation verdict.
func (e Engine) RegressClaimStep(ctx context.Context, claimID, actorID string) (domain.Claim, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	current := lifecycle.ClaimStep(c.Step)
	prev, rej := lifecycle.RegressStep(current, claimStepContext(c))
	if rej != nil {
		return domain.Claim{}, &TransitionError{Rejection: rej}
	}
	switch prev {
	case lifecycle.StepSelectLot:
		c.LotID = nil
		c.ProofType = nil
		c.Description = nil
		c.CaptureDate = nil
		c.FileCount = 0
		c.Latitude = nil
		c.Longitude = nil
		c.ValidationPassed = false
	case lifecycle.StepUploadProof:
		c.ValidationPassed = false
	}
	c.Step = int(prev)
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateClaimVersioned(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	c.Version++
	if err := e.Events.Append(ctx, tx, "claim.step", c.RegistryID, "claim", c.ID, actorID, events.EventPayload{
		"from_step": int(current), "to_step": int(prev), "step": prev.String(),
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

func (e Engine) selectClaimLot(ctx context.Context, tx *sql.Tx, c *domain.Claim, opts ClaimStepOptions) error {
	if opts.LotID == "" {
		return &TransitionError{Rejection: &lifecycle.Rejection{Code: lifecycle.ReasonMissingLotSelection, Field: "lot_id"}}
	}
	o, err := e.Repo.GetOrderTx(ctx, tx, c.OrderID)
	if err != nil {
		return err
	}
	if opts.LotID != o.LotID {
		return fmt.Errorf("lot %s does not belong to order %s", opts.LotID, c.OrderID)
	}
	c.LotID = &opts.LotID
	return nil
}

func (e Engine) recordClaimUpload(c *domain.Claim, opts ClaimStepOptions) error {
	if opts.ProofType != "" {
		if _, ok := lifecycle.ParseProofType(opts.ProofType); !ok {
			return fmt.Errorf("unknown proof type %q", opts.ProofType)
		}
		c.ProofType = &opts.ProofType
	}
	if opts.FileCount > 0 {
		c.FileCount = opts.FileCount
	}
	if opts.Description != "" {
		c.Description = &opts.Description
	}
	if opts.CaptureDate != "" {
		c.CaptureDate = &opts.CaptureDate
	}
	if opts.Latitude != nil {
		c.Latitude = opts.Latitude
	}
	if opts.Longitude != nil {
		c.Longitude = opts.Longitude
	}
	return nil
}

// validateClaimUpload is the automated review of the uploaded evidence.
// Passing sets the verdict the workflow checks; failing returns the
// structured rejection and leaves the claim at the validation step.
func (e Engine) validateClaimUpload(c *domain.Claim) error {
	reject := func(field string) error {
		return &TransitionError{Rejection: &lifecycle.Rejection{Code: lifecycle.ReasonValidationNotPassed, Field: field}}
	}
	if c.ProofType == nil || c.FileCount < 1 || c.Description == nil {
		return reject("upload")
	}
	if c.CaptureDate == nil {
		return reject("capture_date")
	}
	if _, err := time.Parse("2006-01-02", *c.CaptureDate); err != nil {
		return reject("capture_date")
	}
	pt := lifecycle.ProofType(*c.ProofType)
	if pt == lifecycle.ProofPhoto || pt == lifecycle.ProofNDVI {
		if c.Latitude == nil || c.Longitude == nil {
			return reject("coordinates")
		}
		if *c.Latitude < -90 || *c.Latitude > 90 || *c.Longitude < -180 || *c.Longitude > 180 {
			return reject("coordinates")
		}
	}
	c.ValidationPassed = true
	return nil
}

func (e Engine) storeClaimArtifact(ctx context.Context, c domain.Claim, kind string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"claim_id":     c.ID,
		"order_id":     c.OrderID,
		"lot_id":       c.LotID,
		"proof_type":   c.ProofType,
		"capture_date": c.CaptureDate,
		"artifact":     kind,
		"generated_at": e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.%s", c.ID, kind, kind)
	id, err := e.Ledger.StoreFile(ctx, name, payload)
	if err != nil {
		return "", fmt.Errorf("store %s artifact: %w", kind, err)
	}
	return string(id), nil
}

func claimAnchorPayload(c domain.Claim) []byte {
	payload, _ := json.Marshal(map[string]any{
		"claim_id":     c.ID,
		"pdf_file_id":  c.PDFFileID,
		"json_file_id": c.JSONFileID,
	})
	return payload
}

func claimStepContext(c domain.Claim) lifecycle.StepContext {
	sc := lifecycle.StepContext{
		FileCount:        c.FileCount,
		ValidationPassed: c.ValidationPassed,
		BadgeRequested:   c.BadgeRequested,
		BadgeSerial:      c.BadgeSerial,
		Latitude:         c.Latitude,
		Longitude:        c.Longitude,
	}
	if c.LotID != nil {
		sc.LotID = *c.LotID
	}
	if c.ProofType != nil {
		sc.ProofType = lifecycle.ProofType(*c.ProofType)
	}
	if c.Description != nil {
		sc.Description = *c.Description
	}
	if c.CaptureDate != nil {
		sc.CaptureDate = *c.CaptureDate
	}
	if c.PDFFileID != nil {
		sc.PDFFileID = *c.PDFFileID
	}
	if c.JSONFileID != nil {
		sc.JSONFileID = *c.JSONFileID
	}
	if c.AnchorTxID != nil {
		sc.AnchorTxID = *c.AnchorTxID
	}
	return sc
}
