// Package matcher scores a frame against one state's ROIs using reference
// fingerprints.
package matcher

import (
	"image"
	"log/slog"

	"github.com/GriffinCanCode/egm-detector/internal/config"
	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
	"github.com/GriffinCanCode/egm-detector/internal/fingerprint"
)

const (
	// NegativePenalty is the contribution of a negative ROI whose forbidden
	// signature is present.
	NegativePenalty = 100.0
	// NoEvidenceDistance is reported when no ROI contributed.
	NoEvidenceDistance = 999.0
)

// Hasher fingerprints a region of a frame.
type Hasher interface {
	ComputeRegion(img image.Image, r image.Rectangle) (fingerprint.Fingerprint, error)
}

// References supplies the cached fingerprint set for (state, roi).
type References interface {
	Fingerprints(state, roi string) []fingerprint.Fingerprint
}

// Result is the outcome of evaluating one state.
type Result struct {
	MatchedROIs     []string `json:"matched_rois"`
	AverageDistance float64  `json:"average_distance"`
	IsMatch         bool     `json:"is_match"`
	// RequiredMiss is set when a required ROI had no evidence, failed to
	// match, or showed a forbidden signature.
	RequiredMiss bool `json:"required_miss,omitempty"`
}

// Matcher evaluates frames against state definitions.
type Matcher struct {
	hasher Hasher
	refs   References
}

// New creates a Matcher.
func New(hasher Hasher, refs References) *Matcher {
	return &Matcher{hasher: hasher, refs: refs}
}

// Evaluate scores frame against state.
func (m *Matcher) Evaluate(frame image.Image, state config.State) Result {
	policy := state.Policy
	res := Result{MatchedROIs: []string{}}

	var (
		total       float64
		contributed int
	)
	miss := func(roi config.ROI, reason string) {
		if !roi.Required {
			return
		}
		res.RequiredMiss = true
		slog.Debug("required roi missed", "error", missError(state.Name, roi.Name, reason))
	}

	for _, roi := range state.ROIs {
		refs := m.refs.Fingerprints(roi.RefState(state.Name), roi.Name)
		if len(refs) == 0 {
			miss(roi, "no references")
			continue
		}

		current, err := m.hasher.ComputeRegion(frame, roi.Rect)
		if err != nil {
			slog.Debug("roi not evaluable", "state", state.Name, "roi", roi.Name, "error", err)
			miss(roi, "region not evaluable")
			continue
		}

		minDist, ok := minDistance(current, refs)
		if !ok {
			miss(roi, "no comparable reference")
			continue
		}

		present := float64(minDist) <= policy.Threshold
		switch {
		case roi.Negative && present:
			total += NegativePenalty
			miss(roi, "forbidden signature present")
		case roi.Negative:
			// absent forbidden signature adds nothing
		case present:
			res.MatchedROIs = append(res.MatchedROIs, roi.Name)
			total += float64(minDist)
		default:
			total += float64(minDist)
			miss(roi, "above threshold")
		}
		contributed++
	}

	res.AverageDistance = NoEvidenceDistance
	if contributed > 0 {
		res.AverageDistance = total / float64(contributed)
	}

	if res.RequiredMiss {
		return res
	}
	res.IsMatch = len(res.MatchedROIs) >= policy.MinMatch && res.AverageDistance <= policy.Threshold
	return res
}

// missError describes why a required ROI failed its state.
func missError(state, roi, reason string) error {
	return apperrors.New(apperrors.CodeRequiredMiss, reason).
		WithMetadata("state", state).
		WithMetadata("roi", roi)
}

// minDistance returns the smallest distance to any comparable reference.
func minDistance(current fingerprint.Fingerprint, refs []fingerprint.Fingerprint) (int, bool) {
	best, found := 0, false
	for _, ref := range refs {
		d, err := current.Distance(ref)
		if err != nil {
			continue
		}
		if !found || d < best {
			best, found = d, true
		}
	}
	return best, found
}
