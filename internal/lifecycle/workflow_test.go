package lifecycle_test

import (
	"testing"

	"lotline/internal/lifecycle"
)

func TestClaimWorkflowHappyPathWithBadge(t *testing.T) {
	lat, lon := 44.2, 5.1
	serial := int64(7)
	ctx := lifecycle.StepContext{
		LotID:            "lot-1",
		ProofType:        lifecycle.ProofNDVI,
		FileCount:        3,
		Description:      "post-season capture",
		CaptureDate:      "2025-05-20",
		Latitude:         &lat,
		Longitude:        &lon,
		ValidationPassed: true,
		PDFFileID:        "file-pdf",
		JSONFileID:       "file-json",
		AnchorTxID:       "tx-1",
		BadgeRequested:   true,
		BadgeSerial:      &serial,
	}
	want := []lifecycle.ClaimStep{
		lifecycle.StepUploadProof, lifecycle.StepValidate, lifecycle.StepGeneratePDF,
		lifecycle.StepGenerateJSON, lifecycle.StepAnchor, lifecycle.StepBadge, lifecycle.StepProofPack,
	}
	cur := lifecycle.StepSelectLot
	for _, w := range want {
		next, rej := lifecycle.AdvanceStep(cur, ctx)
		if rej != nil {
			t.Fatalf("advance from %s: %s", cur, rej.Reason())
		}
		if next != w {
			t.Fatalf("advance from %s: got %s, want %s", cur, next, w)
		}
		cur = next
	}
	if _, rej := lifecycle.AdvanceStep(cur, ctx); rej == nil || rej.Code != lifecycle.ReasonWorkflowComplete {
		t.Fatalf("final step must report completion, got %+v", rej)
	}
}

func TestClaimWorkflowBadgeOptOutSkipsMinting(t *testing.T) {
	ctx := lifecycle.StepContext{AnchorTxID: "tx-1", BadgeRequested: false}
	next, rej := lifecycle.AdvanceStep(lifecycle.StepAnchor, ctx)
	if rej != nil {
		t.Fatalf("advance: %s", rej.Reason())
	}
	if next != lifecycle.StepProofPack {
		t.Fatalf("got %s, want %s", next, lifecycle.StepProofPack)
	}
}

func TestClaimWorkflowAdvanceRejections(t *testing.T) {
	lat := 44.2
	cases := []struct {
		name string
		step lifecycle.ClaimStep
		ctx  lifecycle.StepContext
		code lifecycle.ReasonCode
	}{
		{"no lot selected", lifecycle.StepSelectLot, lifecycle.StepContext{}, lifecycle.ReasonMissingLotSelection},
		{"no files", lifecycle.StepUploadProof, lifecycle.StepContext{ProofType: lifecycle.ProofQC, Description: "d", CaptureDate: "2025-05-20"}, lifecycle.ReasonIncompleteUpload},
		{"geo proof without coordinates", lifecycle.StepUploadProof, lifecycle.StepContext{ProofType: lifecycle.ProofPhoto, FileCount: 1, Description: "d", CaptureDate: "2025-05-20", Latitude: &lat}, lifecycle.ReasonIncompleteUpload},
		{"validation pending", lifecycle.StepValidate, lifecycle.StepContext{}, lifecycle.ReasonValidationNotPassed},
		{"pdf not generated", lifecycle.StepGeneratePDF, lifecycle.StepContext{}, lifecycle.ReasonMissingPDFArtifact},
		{"json not generated", lifecycle.StepGenerateJSON, lifecycle.StepContext{}, lifecycle.ReasonMissingJSONArtifact},
		{"not anchored", lifecycle.StepAnchor, lifecycle.StepContext{BadgeRequested: true}, lifecycle.ReasonMissingAnchor},
		{"badge requested but not minted", lifecycle.StepBadge, lifecycle.StepContext{BadgeRequested: true}, lifecycle.ReasonMissingBadgeSerial},
	}
	for _, tc := range cases {
		_, rej := lifecycle.AdvanceStep(tc.step, tc.ctx)
		if rej == nil {
			t.Errorf("%s: expected rejection", tc.name)
			continue
		}
		if rej.Code != tc.code {
			t.Errorf("%s: got %s, want %s", tc.name, rej.Code, tc.code)
		}
	}
}

func TestClaimWorkflowQCUploadNeedsNoCoordinates(t *testing.T) {
	ctx := lifecycle.StepContext{
		ProofType:   lifecycle.ProofQC,
		FileCount:   1,
		Description: "lab report",
		CaptureDate: "2025-05-20",
	}
	next, rej := lifecycle.AdvanceStep(lifecycle.StepUploadProof, ctx)
	if rej != nil || next != lifecycle.StepValidate {
		t.Fatalf("qc upload should pass without coordinates: %+v", rej)
	}
}

func TestClaimWorkflowRegress(t *testing.T) {
	next, rej := lifecycle.RegressStep(lifecycle.StepUploadProof, lifecycle.StepContext{})
	if rej != nil || next != lifecycle.StepSelectLot {
		t.Fatalf("upload -> select: got %s, %+v", next, rej)
	}

	// rework is allowed only while validation has not passed
	next, rej = lifecycle.RegressStep(lifecycle.StepValidate, lifecycle.StepContext{})
	if rej != nil || next != lifecycle.StepUploadProof {
		t.Fatalf("validate -> upload: got %s, %+v", next, rej)
	}
	if _, rej = lifecycle.RegressStep(lifecycle.StepValidate, lifecycle.StepContext{ValidationPassed: true}); rej == nil {
		t.Fatalf("regress after validation passed must be rejected")
	}

	for _, step := range []lifecycle.ClaimStep{
		lifecycle.StepSelectLot, lifecycle.StepGeneratePDF, lifecycle.StepGenerateJSON,
		lifecycle.StepAnchor, lifecycle.StepBadge, lifecycle.StepProofPack,
	} {
		if _, rej := lifecycle.RegressStep(step, lifecycle.StepContext{}); rej == nil || rej.Code != lifecycle.ReasonIllegalStepChange {
			t.Errorf("regress from %s must be rejected, got %+v", step, rej)
		}
	}
}
