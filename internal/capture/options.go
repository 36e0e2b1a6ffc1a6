// Package capture supervises the external process that samples frames from
// the video source, and reads the frames it writes.
package capture

import (
	"strconv"
	"time"

	"github.com/GriffinCanCode/egm-detector/internal/config"
)

// Supervisor defaults
const (
	DefaultRestartFloor  = 5 * time.Second
	DefaultStopTimeout   = 3 * time.Second
	DefaultCheckInterval = 3 * time.Second
	DefaultFFmpegPath    = "ffmpeg"
	stderrTailBytes      = 2048
)

// Options configures the capture process.
type Options struct {
	FFmpegPath    string
	URL           string
	OutputPath    string
	Interval      time.Duration
	Scale         string
	Quality       int
	RWTimeoutUS   int
	RestartFloor  time.Duration
	StopTimeout   time.Duration
	CheckInterval time.Duration
}

// OptionsFromConfig maps the capture section of the config.
func OptionsFromConfig(c config.Capture) Options {
	return Options{
		FFmpegPath:    c.FFmpegPath,
		URL:           c.URL,
		OutputPath:    c.OutputPath,
		Interval:      c.Interval,
		Scale:         c.Scale,
		Quality:       c.Quality,
		RWTimeoutUS:   c.RWTimeoutUS,
		RestartFloor:  c.RestartFloor,
		StopTimeout:   c.StopTimeout,
		CheckInterval: c.CheckInterval,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.FFmpegPath == "" {
		o.FFmpegPath = DefaultFFmpegPath
	}
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.RestartFloor <= 0 {
		o.RestartFloor = DefaultRestartFloor
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	return o
}

// FPS is the sampling rate derived from the interval.
func (o Options) FPS() float64 {
	return 1 / o.Interval.Seconds()
}

// Args builds the ffmpeg command line for continuous sampling. The image2
// muxer rewrites a single file and replaces it by rename on every frame.
func (o Options) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y"}
	args = append(args, o.inputArgs()...)

	filter := "fps=" + strconv.FormatFloat(o.FPS(), 'f', -1, 64)
	if o.Scale != "" {
		filter += ",scale=" + o.Scale
	}
	args = append(args, "-vf", filter)
	if o.Quality > 0 {
		args = append(args, "-q:v", strconv.Itoa(o.Quality))
	}
	return append(args,
		"-f", "image2", "-update", "1", "-atomic_writing", "1",
		o.OutputPath)
}

// SnapshotArgs builds the command line for a single frame grab into out.
func (o Options) SnapshotArgs(out string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y"}
	args = append(args, o.inputArgs()...)
	args = append(args, "-frames:v", "1")
	if o.Scale != "" {
		args = append(args, "-vf", "scale="+o.Scale)
	}
	if o.Quality > 0 {
		args = append(args, "-q:v", strconv.Itoa(o.Quality))
	}
	return append(args, "-f", "image2", "-vcodec", "mjpeg", out)
}

func (o Options) inputArgs() []string {
	var args []string
	if o.RWTimeoutUS > 0 {
		args = append(args, "-rw_timeout", strconv.Itoa(o.RWTimeoutUS))
	}
	return append(args, "-i", o.URL, "-an", "-sn", "-dn")
}
