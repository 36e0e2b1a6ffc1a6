// Package fingerprint computes compact perceptual fingerprints of image
// regions and compares them by Hamming distance.
package fingerprint

import (
	"fmt"
	"image"
	"image/draw"
	"strings"

	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
	"github.com/corona10/goimagehash"
)

// Algorithm names a fingerprint family.
type Algorithm string

const (
	DHash Algorithm = "dhash"
	PHash Algorithm = "phash"
	AHash Algorithm = "ahash"
)

// DefaultSize is the default hash edge length (8x8 = 64 bits).
const DefaultSize = 8

// ParseAlgorithm maps a config value to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case DHash, PHash, AHash:
		return a, nil
	case "":
		return DHash, nil
	default:
		return "", apperrors.Newf(apperrors.CodeConfigInvalid, "unknown fingerprint algorithm %q", s)
	}
}

func (a Algorithm) kind() goimagehash.Kind {
	switch a {
	case PHash:
		return goimagehash.PHash
	case AHash:
		return goimagehash.AHash
	default:
		return goimagehash.DHash
	}
}

// Fingerprint is an immutable fixed-width bit string. The zero value is
// empty and compares with an error.
type Fingerprint struct {
	h *goimagehash.ExtImageHash
}

// New builds a fingerprint from raw 64-bit words.
func New(words []uint64, bits int, algo Algorithm) Fingerprint {
	w := make([]uint64, len(words))
	copy(w, words)
	return Fingerprint{h: goimagehash.NewExtImageHash(w, algo.kind(), bits)}
}

// Empty reports whether f holds no hash.
func (f Fingerprint) Empty() bool { return f.h == nil }

// Bits returns the fingerprint width.
func (f Fingerprint) Bits() int {
	if f.h == nil {
		return 0
	}
	return f.h.Bits()
}

// Distance returns the Hamming distance between two fingerprints. Both must
// come from the same algorithm and size.
func (f Fingerprint) Distance(other Fingerprint) (int, error) {
	if f.h == nil || other.h == nil {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, "empty fingerprint")
	}
	d, err := f.h.Distance(other.h)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInvalidArgument, "incomparable fingerprints")
	}
	return d, nil
}

func (f Fingerprint) String() string {
	if f.h == nil {
		return "<empty>"
	}
	return f.h.ToString()
}

// Hasher computes fingerprints with a fixed algorithm and size.
type Hasher struct {
	algo Algorithm
	size int
}

// NewHasher validates the size (power of two, at least 4) and returns a Hasher.
func NewHasher(algo Algorithm, size int) (*Hasher, error) {
	if size < 4 || size&(size-1) != 0 {
		return nil, apperrors.Newf(apperrors.CodeConfigInvalid, "hash size %d must be a power of two >= 4", size)
	}
	if _, err := ParseAlgorithm(string(algo)); err != nil {
		return nil, err
	}
	if algo == "" {
		algo = DHash
	}
	return &Hasher{algo: algo, size: size}, nil
}

// Size returns the configured hash edge length.
func (h *Hasher) Size() int { return h.size }

// Compute fingerprints the whole image after grayscale conversion.
func (h *Hasher) Compute(img image.Image) (Fingerprint, error) {
	if img == nil || img.Bounds().Empty() {
		return Fingerprint{}, apperrors.New(apperrors.CodeInvalidArgument, "empty image")
	}
	gray := toGray(img, img.Bounds())

	var (
		eh  *goimagehash.ExtImageHash
		err error
	)
	switch h.algo {
	case PHash:
		eh, err = goimagehash.ExtPerceptionHash(gray, h.size, h.size)
	case AHash:
		eh, err = goimagehash.ExtAverageHash(gray, h.size, h.size)
	default:
		eh, err = goimagehash.ExtDifferenceHash(gray, h.size, h.size)
	}
	if err != nil {
		return Fingerprint{}, apperrors.Wrapf(err, apperrors.CodeInternal, "compute %s", h.algo)
	}
	return Fingerprint{h: eh}, nil
}

// ComputeRegion fingerprints the part of img inside r. It fails when r does
// not overlap the image.
func (h *Hasher) ComputeRegion(img image.Image, r image.Rectangle) (Fingerprint, error) {
	crop, ok := Crop(img, r)
	if !ok {
		return Fingerprint{}, apperrors.Newf(apperrors.CodeInvalidArgument, "region %v outside image %v", r, img.Bounds())
	}
	return h.Compute(crop)
}

// Crop copies the intersection of r and the image into a new grayscale
// image anchored at the origin. ok is false when the intersection is empty.
func Crop(img image.Image, r image.Rectangle) (*image.Gray, bool) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return nil, false
	}
	return toGray(img, r), true
}

func toGray(img image.Image, r image.Rectangle) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// Rect is a convenience constructor from x, y, width and height.
func Rect(x, y, w, h int) image.Rectangle {
	return image.Rect(x, y, x+w, y+h)
}

// Describe returns a short label for logs.
func (h *Hasher) Describe() string {
	return fmt.Sprintf("%s/%d", h.algo, h.size)
}
