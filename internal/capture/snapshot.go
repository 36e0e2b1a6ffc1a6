package capture

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
)

// Snapshot grabs one frame from the source into out. The frame is written to
// a temp file next to out and renamed into place.
func Snapshot(ctx context.Context, opts Options, out string) error {
	opts = opts.withDefaults()
	if opts.URL == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "capture url is empty")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "create snapshot directory")
	}

	tmp := strings.TrimSuffix(out, filepath.Ext(out)) + ".tmp.jpg"
	cmd := exec.CommandContext(ctx, opts.FFmpegPath, opts.SnapshotArgs(tmp)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		slog.Error("snapshot failed", "error", err, "stderr", stderr.String())
		os.Remove(tmp)
		return apperrors.Wrap(err, apperrors.CodeProcessExit, "ffmpeg snapshot").
			WithMetadata("stderr", strings.TrimSpace(stderr.String()))
	}
	if err := os.Rename(tmp, out); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "move snapshot")
	}
	return nil
}
