package lifecycle_test

import (
	"testing"

	"lotline/internal/lifecycle"
)

func fp(v float64) *float64 { return &v }

func verified(t lifecycle.ProofType) lifecycle.ProofRecord {
	return lifecycle.ProofRecord{Type: t, Status: lifecycle.ProofVerified}
}

func TestComputePDIEmpty(t *testing.T) {
	if got := lifecycle.ComputePDI(nil); got != 0 {
		t.Fatalf("empty proofs: got %d, want 0", got)
	}
}

func TestComputePDIBaseWeights(t *testing.T) {
	cases := []struct {
		name   string
		proofs []lifecycle.ProofRecord
		want   int
	}{
		{"photo only", []lifecycle.ProofRecord{verified(lifecycle.ProofPhoto)}, 30},
		{"ndvi only", []lifecycle.ProofRecord{verified(lifecycle.ProofNDVI)}, 40},
		{"qc only", []lifecycle.ProofRecord{verified(lifecycle.ProofQC)}, 30},
		{"photo and ndvi", []lifecycle.ProofRecord{verified(lifecycle.ProofPhoto), verified(lifecycle.ProofNDVI)}, 70},
		{"all categories", []lifecycle.ProofRecord{verified(lifecycle.ProofPhoto), verified(lifecycle.ProofNDVI), verified(lifecycle.ProofQC)}, 100},
		{"duplicates count once", []lifecycle.ProofRecord{verified(lifecycle.ProofPhoto), verified(lifecycle.ProofPhoto)}, 30},
	}
	for _, tc := range cases {
		if got := lifecycle.ComputePDI(tc.proofs); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestComputePDIPendingIgnored(t *testing.T) {
	proofs := []lifecycle.ProofRecord{
		{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofPending, ExifValidationScore: fp(0.95)},
		{Type: lifecycle.ProofNDVI, Status: lifecycle.ProofPending},
	}
	if got := lifecycle.ComputePDI(proofs); got != 0 {
		t.Fatalf("pending-only proofs: got %d, want 0", got)
	}
}

func TestComputePDIQualityBonuses(t *testing.T) {
	// base 70 (photo + ndvi), strong exif +10, fair ndvi +8
	proofs := []lifecycle.ProofRecord{
		{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofVerified, ExifValidationScore: fp(0.9)},
		{Type: lifecycle.ProofNDVI, Status: lifecycle.ProofVerified, NDVIValidationScore: fp(0.7)},
	}
	if got := lifecycle.ComputePDI(proofs); got != 88 {
		t.Fatalf("got %d, want 88", got)
	}
}

func TestComputePDIOverallQualityBonus(t *testing.T) {
	proofs := []lifecycle.ProofRecord{
		{Type: lifecycle.ProofQC, Status: lifecycle.ProofVerified, OverallQualityScore: fp(0.95)},
	}
	if got := lifecycle.ComputePDI(proofs); got != 35 {
		t.Fatalf("got %d, want 35", got)
	}
	// below the 0.9 line the bonus does not apply
	proofs[0].OverallQualityScore = fp(0.89)
	if got := lifecycle.ComputePDI(proofs); got != 30 {
		t.Fatalf("got %d, want 30", got)
	}
}

func TestComputePDIBonusStacking(t *testing.T) {
	// Per-category bonuses stack across proofs; only the aggregate pool is
	// capped. Three strong-exif photos earn 30 raw bonus, capped at 20.
	proofs := []lifecycle.ProofRecord{
		{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofVerified, ExifValidationScore: fp(0.85)},
		{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofVerified, ExifValidationScore: fp(0.9)},
		{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofVerified, ExifValidationScore: fp(0.99)},
	}
	if got := lifecycle.ComputePDI(proofs); got != 50 {
		t.Fatalf("stacked bonuses: got %d, want 50", got)
	}
}

func TestComputePDICapAt100(t *testing.T) {
	proofs := []lifecycle.ProofRecord{
		{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofVerified, ExifValidationScore: fp(0.9), OverallQualityScore: fp(0.95)},
		{Type: lifecycle.ProofNDVI, Status: lifecycle.ProofVerified, NDVIValidationScore: fp(0.9)},
		{Type: lifecycle.ProofQC, Status: lifecycle.ProofVerified},
	}
	if got := lifecycle.ComputePDI(proofs); got != 100 {
		t.Fatalf("got %d, want 100", got)
	}
}

func TestCategoryBreakdown(t *testing.T) {
	proofs := []lifecycle.ProofRecord{
		verified(lifecycle.ProofNDVI),
		{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofPending},
	}
	got := lifecycle.CategoryBreakdown(proofs)
	if got[lifecycle.ProofNDVI] != true || got[lifecycle.ProofPhoto] != false || got[lifecycle.ProofQC] != false {
		t.Fatalf("unexpected breakdown: %v", got)
	}
}

func TestComputePDINeverDropsWhenCategoryAdded(t *testing.T) {
	// Filling a previously-unsatisfied category can only add its weight
	// (and possibly bonus), never reduce the score.
	bases := [][]lifecycle.ProofRecord{
		nil,
		{verified(lifecycle.ProofPhoto)},
		{{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofVerified, ExifValidationScore: fp(0.9)}},
		{verified(lifecycle.ProofPhoto), verified(lifecycle.ProofQC)},
		{
			{Type: lifecycle.ProofPhoto, Status: lifecycle.ProofVerified, ExifValidationScore: fp(0.95)},
			{Type: lifecycle.ProofQC, Status: lifecycle.ProofVerified, OverallQualityScore: fp(0.95)},
		},
	}
	additions := []lifecycle.ProofRecord{
		verified(lifecycle.ProofNDVI),
		{Type: lifecycle.ProofNDVI, Status: lifecycle.ProofVerified, NDVIValidationScore: fp(0.5)},
		{Type: lifecycle.ProofNDVI, Status: lifecycle.ProofVerified, NDVIValidationScore: fp(0.85)},
	}
	for i, base := range bases {
		before := lifecycle.ComputePDI(base)
		for j, add := range additions {
			after := lifecycle.ComputePDI(append(append([]lifecycle.ProofRecord{}, base...), add))
			if after < before {
				t.Errorf("base %d + addition %d: score dropped %d -> %d", i, j, before, after)
			}
		}
	}
}
