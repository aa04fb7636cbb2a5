package lifecycle

import "fmt"

// ClaimStep numbers the claim evidence pipeline 1..8. Steps advance one
// at a time; the only step that may be skipped is the optional badge step.
type ClaimStep int

const (
	StepSelectLot    ClaimStep = 1
	StepUploadProof  ClaimStep = 2
	StepValidate     ClaimStep = 3
	StepGeneratePDF  ClaimStep = 4
	StepGenerateJSON ClaimStep = 5
	StepAnchor       ClaimStep = 6
	StepBadge        ClaimStep = 7
	StepProofPack    ClaimStep = 8
)

var stepNames = map[ClaimStep]string{
	StepSelectLot:    "select_lot",
	StepUploadProof:  "upload_proof",
	StepValidate:     "validate",
	StepGeneratePDF:  "generate_pdf",
	StepGenerateJSON: "generate_json",
	StepAnchor:       "anchor",
	StepBadge:        "mint_badge",
	StepProofPack:    "proof_pack",
}

func (s ClaimStep) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step_%d", int(s))
}

// StepContext carries the accumulated claim evidence the workflow checks
// before letting a claim move forward. Fields are filled in as earlier
// steps complete.
type StepContext struct {
	LotID            string
	ProofType        ProofType
	FileCount        int
	Description      string
	CaptureDate      string
	Latitude         *float64
	Longitude        *float64
	ValidationPassed bool
	PDFFileID        string
	JSONFileID       string
	AnchorTxID       string
	BadgeRequested   bool
	BadgeSerial      *int64
}

const (
	ReasonMissingLotSelection ReasonCode = "missing_lot_selection"
	ReasonIncompleteUpload    ReasonCode = "incomplete_upload"
	ReasonValidationNotPassed ReasonCode = "validation_not_passed"
	ReasonMissingPDFArtifact  ReasonCode = "missing_pdf_artifact"
	ReasonMissingJSONArtifact ReasonCode = "missing_json_artifact"
	ReasonMissingAnchor       ReasonCode = "missing_anchor"
	ReasonMissingBadgeSerial  ReasonCode = "missing_badge_serial"
	ReasonWorkflowComplete    ReasonCode = "workflow_complete"
	ReasonIllegalStepChange   ReasonCode = "illegal_step_change"
)

func geoRequired(t ProofType) bool {
	return t == ProofPhoto || t == ProofNDVI
}

func stepRejection(code ReasonCode, field string) *Rejection {
	return &Rejection{Code: code, Field: field}
}

// AdvanceStep checks that the work of the current step is complete and
// returns the next step. The anchor step skips straight past the badge
// step when no badge was requested; every other advance is by exactly one.
func AdvanceStep(current ClaimStep, ctx StepContext) (ClaimStep, *Rejection) {
	switch current {
	case StepSelectLot:
		if ctx.LotID == "" {
			return 0, stepRejection(ReasonMissingLotSelection, "lot_id")
		}
		return StepUploadProof, nil
	case StepUploadProof:
		if ctx.ProofType == "" {
			return 0, stepRejection(ReasonIncompleteUpload, "proof_type")
		}
		if ctx.FileCount < 1 {
			return 0, stepRejection(ReasonIncompleteUpload, "file_count")
		}
		if ctx.Description == "" {
			return 0, stepRejection(ReasonIncompleteUpload, "description")
		}
		if ctx.CaptureDate == "" {
			return 0, stepRejection(ReasonIncompleteUpload, "capture_date")
		}
		if geoRequired(ctx.ProofType) && (ctx.Latitude == nil || ctx.Longitude == nil) {
			return 0, stepRejection(ReasonIncompleteUpload, "coordinates")
		}
		return StepValidate, nil
	case StepValidate:
		if !ctx.ValidationPassed {
			return 0, stepRejection(ReasonValidationNotPassed, "validation")
		}
		return StepGeneratePDF, nil
	case StepGeneratePDF:
		if ctx.PDFFileID == "" {
			return 0, stepRejection(ReasonMissingPDFArtifact, "pdf_file_id")
		}
		return StepGenerateJSON, nil
	case StepGenerateJSON:
		if ctx.JSONFileID == "" {
			return 0, stepRejection(ReasonMissingJSONArtifact, "json_file_id")
		}
		return StepAnchor, nil
	case StepAnchor:
		if ctx.AnchorTxID == "" {
			return 0, stepRejection(ReasonMissingAnchor, "anchor_tx_id")
		}
		if !ctx.BadgeRequested {
			return StepProofPack, nil
		}
		return StepBadge, nil
	case StepBadge:
		if ctx.BadgeRequested && ctx.BadgeSerial == nil {
			return 0, stepRejection(ReasonMissingBadgeSerial, "badge_serial")
		}
		return StepProofPack, nil
	case StepProofPack:
		return 0, stepRejection(ReasonWorkflowComplete, "")
	}
	return 0, stepRejection(ReasonIllegalStepChange, "")
}

// RegressStep handles the narrow cases where a claim may move backward:
// restarting lot selection before validation has begun, and returning an
// in-review upload for rework. Once validation has passed the pipeline is
// forward-only.
func RegressStep(current ClaimStep, ctx StepContext) (ClaimStep, *Rejection) {
	switch current {
	case StepUploadProof:
		return StepSelectLot, nil
	case StepValidate:
		if ctx.ValidationPassed {
			return 0, stepRejection(ReasonIllegalStepChange, "validation")
		}
		return StepUploadProof, nil
	}
	return 0, stepRejection(ReasonIllegalStepChange, "")
}
