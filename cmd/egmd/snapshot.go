package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/GriffinCanCode/egm-detector/internal/capture"
	"github.com/GriffinCanCode/egm-detector/internal/config"
)

// Snapshot defaults
const (
	DefaultSnapshotFile = "/dev/shm/snap_manual.jpg"
	DefaultSnapshotWait = 500 * time.Millisecond
)

type snapshotFlags struct {
	config   string
	url      string
	file     string
	dir      string
	count    int
	interval time.Duration
}

func snapshot(ctx context.Context, args []string, stdout io.Writer) error {
	var f snapshotFlags
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "config file supplying the capture url")
	fs.StringVar(&f.url, "url", "", "stream url (overrides the config)")
	fs.StringVar(&f.file, "output-file", DefaultSnapshotFile, "output file for a single frame")
	fs.StringVar(&f.dir, "output-dir", "", "directory for numbered frames")
	fs.IntVar(&f.count, "count", 1, "number of frames to grab")
	fs.DurationVar(&f.interval, "interval", DefaultSnapshotWait, "delay between frames")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if f.count < 1 {
		return fmt.Errorf("count must be positive, got %d", f.count)
	}

	opts, err := snapshotOptions(f)
	if err != nil {
		return err
	}

	for i := 1; i <= f.count; i++ {
		out := snapshotPath(f, time.Now(), i)
		if err := capture.Snapshot(ctx, opts, out); err != nil {
			return err
		}
		fmt.Fprintln(stdout, out)

		if i < f.count {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.interval):
			}
		}
	}
	return nil
}

// snapshotOptions takes the capture settings from the config when it loads,
// with -url taking precedence. A missing config is fine when -url is set.
func snapshotOptions(f snapshotFlags) (capture.Options, error) {
	setupLogging(os.Stderr, slog.LevelInfo)

	cfg, err := config.Load(config.Path(f.config))
	switch {
	case err == nil:
		setupLogging(os.Stderr, cfg.SlogLevel())
		opts := capture.OptionsFromConfig(cfg.Capture)
		if f.url != "" {
			opts.URL = f.url
		}
		return opts, nil
	case f.url != "":
		slog.Debug("config not loaded, using -url", "error", err)
		return capture.Options{URL: f.url}, nil
	default:
		return capture.Options{}, err
	}
}

// snapshotPath names frame i of the run. Multiple frames into a directory get
// snap_<unix ms>_<i>.jpg names so repeated runs do not collide.
func snapshotPath(f snapshotFlags, now time.Time, i int) string {
	switch {
	case f.dir != "" && f.count > 1:
		return filepath.Join(f.dir, fmt.Sprintf("snap_%d_%02d.jpg", now.UnixMilli(), i))
	case f.dir != "":
		return filepath.Join(f.dir, filepath.Base(f.file))
	default:
		return f.file
	}
}
