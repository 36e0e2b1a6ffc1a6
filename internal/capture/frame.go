package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"io/fs"
	"os"
	"time"

	_ "golang.org/x/image/webp" // WebP decoder

	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
	"github.com/GriffinCanCode/egm-detector/internal/fingerprint"
	"github.com/GriffinCanCode/egm-detector/internal/resilience"
)

// DefaultReadTimeout bounds one Latest call including retries.
const DefaultReadTimeout = 2 * time.Second

// jpegTrailerSlack is how far from the end of a frame the EOI marker may sit.
// Some camera encoders pad frames after EOI.
const jpegTrailerSlack = 4096

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FrameReader reads the frame file written by the capture process.
type FrameReader struct {
	path     string
	attempts int
	timeout  time.Duration
}

// NewFrameReader creates a reader. attempts counts the first read.
func NewFrameReader(path string, attempts int, timeout time.Duration) *FrameReader {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &FrameReader{path: path, attempts: attempts, timeout: timeout}
}

// Latest reads and decodes the current frame as grayscale. A frame caught
// mid-write is retried with short backoff.
func (r *FrameReader) Latest(ctx context.Context) (*image.Gray, error) {
	var frame *image.Gray
	err := r.retry(ctx, func() error {
		data, err := r.read()
		if err != nil {
			return err
		}
		frame, err = decodeGray(data)
		return err
	})
	return frame, err
}

// Raw returns the complete bytes of the current frame, validated the same
// way as Latest.
func (r *FrameReader) Raw(ctx context.Context) ([]byte, error) {
	var data []byte
	err := r.retry(ctx, func() error {
		var err error
		data, err = r.read()
		return err
	})
	return data, err
}

func (r *FrameReader) retry(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := resilience.Retry(ctx, resilience.FrameRetryConfig(r.attempts), fn)
	if err != nil && !apperrors.IsCode(err, apperrors.CodeAcquisition) {
		return apperrors.Wrap(err, apperrors.CodeAcquisition, "read frame").WithMetadata("path", r.path)
	}
	return err
}

// read loads the whole file so a concurrent rename is either fully visible
// or not visible at all.
func (r *FrameReader) read() ([]byte, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Wrap(err, apperrors.CodeAcquisition, "frame file missing").WithMetadata("path", r.path)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeAcquisition, "read frame file").WithMetadata("path", r.path)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CodeAcquisition, "frame file empty").WithMetadata("path", r.path)
	}
	if bytes.HasPrefix(data, jpegSOI) && !jpegComplete(data) {
		return nil, apperrors.New(apperrors.CodeAcquisition, "truncated jpeg").WithMetadata("path", r.path)
	}
	return data, nil
}

// jpegComplete reports whether the EOI marker is present near the end of data.
// 0xFF 0xD9 cannot occur inside entropy-coded data.
func jpegComplete(data []byte) bool {
	tail := data[max(0, len(data)-jpegTrailerSlack):]
	return bytes.Contains(tail, jpegEOI)
}

func decodeGray(data []byte) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeAcquisition, "decode frame")
	}
	gray, ok := fingerprint.Crop(img, img.Bounds())
	if !ok {
		return nil, apperrors.New(apperrors.CodeAcquisition, "empty frame")
	}
	return gray, nil
}
