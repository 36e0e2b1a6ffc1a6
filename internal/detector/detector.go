// Package detector runs the detection cycle: read the latest frame, score
// every state, pick a candidate, debounce it and publish the result.
package detector

import (
	"context"
	"fmt"
	"image"
	"runtime/debug"
	"sync"
	"time"

	"github.com/GriffinCanCode/egm-detector/internal/config"
	"github.com/GriffinCanCode/egm-detector/internal/debounce"
	"github.com/GriffinCanCode/egm-detector/internal/matcher"
	"github.com/GriffinCanCode/egm-detector/internal/syncx"
	"github.com/GriffinCanCode/egm-detector/internal/timeutil"
	"github.com/GriffinCanCode/egm-detector/internal/trace"
)

// Detector configuration constants
const (
	DefaultEventBuffer = 32
	HistoryTimeout     = 2 * time.Second
)

// FrameSource supplies the latest captured frame.
type FrameSource interface {
	Latest(ctx context.Context) (*image.Gray, error)
}

// Evaluator scores a frame against one state.
type Evaluator interface {
	Evaluate(frame image.Image, state config.State) matcher.Result
}

// Refresher reloads reference fingerprints whose directories changed.
type Refresher interface {
	ReloadIfNeeded() []string
}

// Notifier is told about stabilized changes. It must not block.
type Notifier interface {
	Notify(from, to string, at time.Time) bool
}

// Recorder persists stabilized changes.
type Recorder interface {
	Record(ctx context.Context, from, to string, at time.Time, matches map[string]matcher.Result) error
}

// Options configures a Detector.
type Options struct {
	// States in priority order.
	States     []config.State
	StatusFile string
	Interval   time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// Detector runs detection cycles. Cycles never overlap.
type Detector struct {
	opts     Options
	refs     Refresher
	frames   FrameSource
	matcher  Evaluator
	machine  *debounce.Machine
	notifier Notifier
	history  Recorder
	clock    timeutil.Clock

	cycleMu  sync.Mutex
	previous string

	latest *syncx.RWGuard[Result]
	events chan Event
}

// New creates a Detector. notifier and history may be nil.
func New(opts Options, refs Refresher, frames FrameSource, eval Evaluator, machine *debounce.Machine, notifier Notifier, history Recorder, clock timeutil.Clock) *Detector {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Detector{
		opts:     opts,
		refs:     refs,
		frames:   frames,
		matcher:  eval,
		machine:  machine,
		notifier: notifier,
		history:  history,
		clock:    clock,
		previous: debounce.Other,
		latest: syncx.NewGuard(Result{
			State:   debounce.Unknown,
			Matches: map[string]matcher.Result{},
		}),
		events: make(chan Event, opts.EventBuffer),
	}
}

// Run executes a cycle immediately and then on every interval tick until
// ctx is cancelled. A slow cycle delays the next one instead of overlapping.
func (d *Detector) Run(ctx context.Context) {
	log := trace.Logger(ctx)
	log.Info("detection loop started", "interval", d.opts.Interval, "states", len(d.opts.States))

	d.Step(ctx)

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("detection loop stopped")
			return
		case <-ticker.C:
			d.Step(ctx)
		}
	}
}

// Step runs one detection cycle, persists the status file and returns the
// result. It never panics.
func (d *Detector) Step(ctx context.Context) Result {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	ctx, span := trace.StartSpan(ctx, "detect_cycle")
	defer span.Finish()

	res := d.safeStep(ctx)
	span.SetAttr("state", res.State)
	span.SetAttr("candidate", res.Candidate)

	d.latest.Set(res)
	if d.opts.StatusFile != "" {
		if err := WriteStatus(d.opts.StatusFile, res); err != nil {
			trace.Logger(ctx).Error("write status failed", "path", d.opts.StatusFile, "error", err)
		}
	}
	return res
}

// Latest returns the most recent cycle result.
func (d *Detector) Latest() Result {
	return d.latest.Get()
}

// Debounce exposes the debouncer's counters.
func (d *Detector) Debounce() debounce.Snapshot {
	return d.machine.Snapshot()
}

// Events returns the channel of stabilized state changes.
func (d *Detector) Events() <-chan Event {
	return d.events
}

func (d *Detector) safeStep(ctx context.Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			trace.Logger(ctx).Error("detection cycle panicked", "panic", r, "stack", string(debug.Stack()))
			res = d.unknown(fmt.Errorf("panic: %v", r))
		}
	}()
	return d.step(ctx)
}

func (d *Detector) step(ctx context.Context) Result {
	log := trace.Logger(ctx)

	if reloaded := d.refs.ReloadIfNeeded(); len(reloaded) > 0 {
		log.Info("references reloaded", "states", reloaded)
	}

	frame, err := d.frames.Latest(ctx)
	if err != nil {
		log.Warn("frame unavailable", "error", err)
		return d.unknown(err)
	}

	matches := make(map[string]matcher.Result, len(d.opts.States))
	for _, st := range d.opts.States {
		matches[st.Name] = d.matcher.Evaluate(frame, st)
	}

	candidate := SelectCandidate(d.opts.States, matches, d.machine.Current())
	state := d.machine.Update(candidate)

	now := d.clock.Now()
	res := Result{
		State:     state,
		Matches:   matches,
		Timestamp: unixSeconds(now),
		Candidate: candidate,
	}

	if state != d.previous {
		d.changed(ctx, d.previous, res, now)
		d.previous = state
	}
	return res
}

func (d *Detector) unknown(err error) Result {
	return Result{
		State:     debounce.Unknown,
		Matches:   map[string]matcher.Result{},
		Timestamp: unixSeconds(d.clock.Now()),
		Error:     err.Error(),
	}
}

func (d *Detector) changed(ctx context.Context, from string, res Result, at time.Time) {
	log := trace.Logger(ctx)
	log.Info("state changed", "from", from, "to", res.State)

	if d.notifier != nil && !d.notifier.Notify(from, res.State, at) {
		log.Warn("notification dropped", "to", res.State)
	}

	if d.history != nil {
		hctx, cancel := context.WithTimeout(ctx, HistoryTimeout)
		err := d.history.Record(hctx, from, res.State, at, res.Matches)
		cancel()
		if err != nil {
			log.Warn("history record failed", "error", err)
		}
	}

	// Non-blocking send
	select {
	case d.events <- Event{From: from, To: res.State, Result: res}:
	default:
	}
}

// SelectCandidate picks the per-frame candidate. The current stabilized
// state wins while it still matches; otherwise the first matching state in
// priority order; otherwise OTHER.
func SelectCandidate(states []config.State, matches map[string]matcher.Result, current string) string {
	if m, ok := matches[current]; ok && m.IsMatch {
		return current
	}
	for _, st := range states {
		if matches[st.Name].IsMatch {
			return st.Name
		}
	}
	return debounce.Other
}
