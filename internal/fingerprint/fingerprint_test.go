package fingerprint

import (
	"image"
	"image/color"
	"testing"

	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
)

func gradient(w, h int, ascending bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := x * 255 / (w - 1)
			if !ascending {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img
}

func checker(w, h, cell int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{A: 255}
			if (x/cell+y/cell)%2 == 0 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func TestSelfDistanceZero(t *testing.T) {
	for _, algo := range []Algorithm{DHash, AHash, PHash} {
		h, err := NewHasher(algo, DefaultSize)
		if err != nil {
			t.Fatalf("NewHasher(%s) error = %v", algo, err)
		}
		fp, err := h.Compute(checker(64, 48, 8))
		if err != nil {
			t.Fatalf("Compute(%s) error = %v", algo, err)
		}
		if fp.Bits() != 64 {
			t.Errorf("%s Bits() = %d, want 64", algo, fp.Bits())
		}
		d, err := fp.Distance(fp)
		if err != nil || d != 0 {
			t.Errorf("%s self distance = %d, %v, want 0, nil", algo, d, err)
		}
	}
}

func TestDistanceSymmetric(t *testing.T) {
	h, _ := NewHasher(DHash, DefaultSize)
	a, _ := h.Compute(gradient(90, 40, true))
	b, _ := h.Compute(gradient(90, 40, false))

	ab, err := a.Distance(b)
	if err != nil {
		t.Fatalf("Distance() error = %v", err)
	}
	ba, _ := b.Distance(a)
	if ab != ba {
		t.Errorf("Distance(a,b) = %d, Distance(b,a) = %d", ab, ba)
	}
	if ab == 0 {
		t.Error("opposite gradients should not fingerprint identically")
	}
}

func TestDistanceFromWords(t *testing.T) {
	a := New([]uint64{0b1011}, 64, DHash)
	b := New([]uint64{0b0001}, 64, DHash)
	if d, _ := a.Distance(b); d != 2 {
		t.Errorf("Distance() = %d, want 2", d)
	}
}

func TestDistanceIncomparable(t *testing.T) {
	a := New([]uint64{1}, 64, DHash)
	tests := []struct {
		name  string
		other Fingerprint
	}{
		{"kind", New([]uint64{1}, 64, PHash)},
		{"bits", New([]uint64{1, 0, 0, 0}, 256, DHash)},
		{"empty", Fingerprint{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Distance(tt.other); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
				t.Errorf("Distance() error = %v, want INVALID_ARGUMENT", err)
			}
		})
	}
}

func TestNewHasherValidation(t *testing.T) {
	tests := []struct {
		algo    Algorithm
		size    int
		wantErr bool
	}{
		{DHash, 8, false},
		{PHash, 16, false},
		{AHash, 4, false},
		{DHash, 2, true},
		{DHash, 12, true},
		{"whash", 8, true},
	}
	for _, tt := range tests {
		_, err := NewHasher(tt.algo, tt.size)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewHasher(%q, %d) error = %v, wantErr %v", tt.algo, tt.size, err, tt.wantErr)
		}
	}
}

func TestComputeRegionMatchesCrop(t *testing.T) {
	h, _ := NewHasher(DHash, DefaultSize)
	frame := image.NewGray(image.Rect(0, 0, 200, 100))
	patch := gradient(50, 30, true)
	for y := 0; y < 30; y++ {
		for x := 0; x < 50; x++ {
			frame.SetGray(120+x, 40+y, patch.GrayAt(x, y))
		}
	}

	got, err := h.ComputeRegion(frame, Rect(120, 40, 50, 30))
	if err != nil {
		t.Fatalf("ComputeRegion() error = %v", err)
	}
	want, _ := h.Compute(patch)
	if d, _ := got.Distance(want); d != 0 {
		t.Errorf("region distance = %d, want 0", d)
	}
}

func TestComputeRegionOutside(t *testing.T) {
	h, _ := NewHasher(DHash, DefaultSize)
	frame := image.NewGray(image.Rect(0, 0, 100, 100))
	if _, err := h.ComputeRegion(frame, Rect(150, 150, 10, 10)); err == nil {
		t.Error("ComputeRegion() outside frame should fail")
	}
}

func TestCropClipsToBounds(t *testing.T) {
	frame := image.NewGray(image.Rect(0, 0, 100, 100))
	crop, ok := Crop(frame, Rect(90, 90, 30, 30))
	if !ok {
		t.Fatal("Crop() ok = false, want true")
	}
	if got := crop.Bounds(); got != image.Rect(0, 0, 10, 10) {
		t.Errorf("Bounds() = %v, want (0,0)-(10,10)", got)
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in   string
		want Algorithm
		err  bool
	}{
		{"dhash", DHash, false},
		{" PHash ", PHash, false},
		{"", DHash, false},
		{"md5", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %q, %v", tt.in, got, err)
		}
	}
}
