package capture

import (
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/egm-detector/internal/config"
)

func TestArgs(t *testing.T) {
	opts := Options{
		URL:         "rtsp://cam/1",
		OutputPath:  "/dev/shm/latest.jpg",
		Interval:    500 * time.Millisecond,
		Scale:       "640:-1",
		Quality:     2,
		RWTimeoutUS: 5000000,
	}
	got := strings.Join(opts.Args(), " ")

	for _, want := range []string{
		"-rw_timeout 5000000 -i rtsp://cam/1",
		"-vf fps=2,scale=640:-1",
		"-q:v 2",
		"-f image2 -update 1 -atomic_writing 1 /dev/shm/latest.jpg",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Args() = %q, missing %q", got, want)
		}
	}
}

func TestSnapshotArgs(t *testing.T) {
	opts := Options{URL: "rtsp://cam/1", Interval: time.Second}
	got := strings.Join(opts.SnapshotArgs("/tmp/out.tmp.jpg"), " ")

	if !strings.Contains(got, "-frames:v 1") {
		t.Errorf("SnapshotArgs() = %q, missing single frame", got)
	}
	if strings.Contains(got, "-rw_timeout") || strings.Contains(got, "scale=") {
		t.Errorf("SnapshotArgs() = %q, unexpected optional flags", got)
	}
	if !strings.HasSuffix(got, "/tmp/out.tmp.jpg") {
		t.Errorf("SnapshotArgs() = %q, want output last", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.Capture{URL: "rtsp://cam/1", Interval: 2 * time.Second})

	if opts.FFmpegPath != DefaultFFmpegPath {
		t.Errorf("FFmpegPath = %q, want %q", opts.FFmpegPath, DefaultFFmpegPath)
	}
	if opts.RestartFloor != DefaultRestartFloor || opts.StopTimeout != DefaultStopTimeout {
		t.Errorf("floor/stop = %v/%v, want defaults", opts.RestartFloor, opts.StopTimeout)
	}
	if opts.FPS() != 0.5 {
		t.Errorf("FPS() = %v, want 0.5", opts.FPS())
	}
}
