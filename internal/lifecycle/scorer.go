package lifecycle

import "math"

// ProofType categorizes a proof document.
type ProofType string

const (
	ProofPhoto ProofType = "photo"
	ProofNDVI  ProofType = "ndvi"
	ProofQC    ProofType = "qc"
)

// ProofStatus is the externally-verified status of a proof. The scorer
// trusts this field verbatim; verification itself happens elsewhere.
type ProofStatus string

const (
	ProofPending  ProofStatus = "pending"
	ProofVerified ProofStatus = "verified"
)

// ProofRecord is the scorer's view of a proof document. Quality sub-scores
// are optional and each ranges over [0,1] when present.
type ProofRecord struct {
	Type                ProofType
	Status              ProofStatus
	ExifValidationScore *float64
	NDVIValidationScore *float64
	OverallQualityScore *float64
}

// PDI weights and thresholds. These are business constants, not tuning
// knobs: changing them changes which lots are listable.
const (
	weightPhoto = 30
	weightNDVI  = 40
	weightQC    = 30

	// ListingPDIThreshold gates the minted -> listed transition (inclusive).
	ListingPDIThreshold = 70

	bonusPoolCap = 20

	exifStrongBonus = 10
	exifFairBonus   = 5
	ndviStrongBonus = 15
	ndviFairBonus   = 8
	overallBonus    = 5

	strongScore  = 0.8
	fairScore    = 0.6
	overallScore = 0.9
)

var categoryWeights = map[ProofType]int{
	ProofPhoto: weightPhoto,
	ProofNDVI:  weightNDVI,
	ProofQC:    weightQC,
}

// ComputePDI computes the Proof Density Index, an integer in [0,100],
// from a lot's proof set. Each category (photo/ndvi/qc) contributes its
// full weight once at least one verified proof of that type exists.
// Verified proofs then stack quality bonuses; the bonus pool is capped at
// bonusPoolCap before being added and the final score is capped at 100.
// Only verified proofs count; an empty input scores 0.
func ComputePDI(proofs []ProofRecord) int {
	if len(proofs) == 0 {
		return 0
	}

	satisfied := map[ProofType]bool{}
	for _, p := range proofs {
		if p.Status == ProofVerified {
			satisfied[p.Type] = true
		}
	}

	baseScore := 0
	maxPossible := 0
	for t, w := range categoryWeights {
		maxPossible += w
		if satisfied[t] {
			baseScore += w
		}
	}
	basePDI := float64(baseScore) / float64(maxPossible) * 100

	// Bonuses are additive across all qualifying proofs with no per-category
	// cap; only the aggregate pool is capped. Preserved as observed upstream.
	bonus := 0
	for _, p := range proofs {
		if p.Status != ProofVerified {
			continue
		}
		switch p.Type {
		case ProofPhoto:
			if s := p.ExifValidationScore; s != nil {
				if *s >= strongScore {
					bonus += exifStrongBonus
				} else if *s >= fairScore {
					bonus += exifFairBonus
				}
			}
		case ProofNDVI:
			if s := p.NDVIValidationScore; s != nil {
				if *s >= strongScore {
					bonus += ndviStrongBonus
				} else if *s >= fairScore {
					bonus += ndviFairBonus
				}
			}
		}
		if s := p.OverallQualityScore; s != nil && *s >= overallScore {
			bonus += overallBonus
		}
	}
	if bonus > bonusPoolCap {
		bonus = bonusPoolCap
	}

	final := math.Round(basePDI + float64(bonus))
	if final > 100 {
		final = 100
	}
	return int(final)
}

// CategoryBreakdown reports, per proof category, whether it is satisfied
// by at least one verified proof. Used for UI filtering alongside the PDI.
func CategoryBreakdown(proofs []ProofRecord) map[ProofType]bool {
	out := map[ProofType]bool{
		ProofPhoto: false,
		ProofNDVI:  false,
		ProofQC:    false,
	}
	for _, p := range proofs {
		if p.Status == ProofVerified {
			out[p.Type] = true
		}
	}
	return out
}

// ParseProofType validates a raw proof type string.
func ParseProofType(raw string) (ProofType, bool) {
	switch ProofType(raw) {
	case ProofPhoto, ProofNDVI, ProofQC:
		return ProofType(raw), true
	}
	return "", false
}
