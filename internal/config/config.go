// Package config loads the detector configuration: a YAML file decoded into
// raw structs, overlaid with environment overrides, then resolved and
// validated into an immutable Config.
package config

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/GriffinCanCode/egm-detector/internal/debounce"
	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
	"github.com/GriffinCanCode/egm-detector/internal/fingerprint"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither a flag nor EGM_CONFIG names a file.
const DefaultPath = "config.yaml"

// ROI is a named rectangle within the frame.
type ROI struct {
	Name     string
	Rect     image.Rectangle
	Required bool
	Negative bool
	// LinkedState names the state whose reference set is used for this ROI.
	LinkedState string
}

// RefState returns the state whose references this ROI is matched against.
func (r ROI) RefState(owner string) string {
	if r.LinkedState != "" {
		return r.LinkedState
	}
	return owner
}

// Policy decides when a state's ROI evidence counts as a match.
type Policy struct {
	MinMatch  int
	MaxMatch  int
	Threshold float64
}

// State is one detectable screen state.
type State struct {
	Name    string
	RefsDir string
	ROIs    []ROI
	Policy  Policy
}

type Capture struct {
	URL           string
	OutputPath    string
	Interval      time.Duration
	Scale         string
	Quality       int
	RWTimeoutUS   int
	FFmpegPath    string
	CheckInterval time.Duration
	RestartFloor  time.Duration
	StopTimeout   time.Duration
	ReadAttempts  int
	ReadTimeout   time.Duration
}

type Detection struct {
	Algo     fingerprint.Algorithm
	HashSize int
}

type Debounce struct {
	ConfirmFrames int
	DropFrames    int
}

type Output struct {
	StatusFile string
	HistoryDB  string
}

type Telegram struct {
	Enabled  bool
	BotToken string
	ChatID   string
	ClientID string
}

type API struct {
	HTTPAddr string
	GRPCAddr string
}

// Config is the resolved configuration. It is not modified after Load.
type Config struct {
	InstanceID string
	LogLevel   string
	Capture    Capture
	Detection  Detection
	States     map[string]State
	// Priority lists every state name in evaluation order.
	Priority []string
	Debounce Debounce
	Output   Output
	Telegram Telegram
	API      API
}

// Ordered returns the states in priority order.
func (c *Config) Ordered() []State {
	out := make([]State, 0, len(c.Priority))
	for _, name := range c.Priority {
		out = append(out, c.States[name])
	}
	return out
}

// State looks up a state by name.
func (c *Config) State(name string) (State, bool) {
	s, ok := c.States[name]
	return s, ok
}

// SlogLevel maps the configured log level to slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NotifierID is the instance label used in notifications.
func (c *Config) NotifierID() string {
	if c.Telegram.ClientID != "" {
		return c.Telegram.ClientID
	}
	return c.InstanceID
}

// Path returns the config path to use: explicit, then EGM_CONFIG, then the default.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return getEnv("EGM_CONFIG", DefaultPath)
}

// Load reads the YAML file at path, applies environment overrides and
// resolves the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "read config").WithMetadata("path", path)
	}
	raw, err := decode(data)
	if err != nil {
		return nil, err
	}
	raw.applyEnv()
	return raw.resolve()
}

// Parse decodes and resolves YAML without looking at the environment.
func Parse(data []byte) (*Config, error) {
	raw, err := decode(data)
	if err != nil {
		return nil, err
	}
	return raw.resolve()
}

func decode(data []byte) (*rawConfig, error) {
	raw := defaults()
	if err := yaml.Unmarshal(data, raw); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "parse config yaml")
	}
	return raw, nil
}

func (r *rawConfig) resolve() (*Config, error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	algo, err := fingerprint.ParseAlgorithm(r.Detection.Algo)
	if err != nil {
		errs = append(errs, err)
	}
	if n := r.Detection.HashSize; n < 4 || n&(n-1) != 0 {
		fail("detection.hash_size %d must be a power of two >= 4", n)
	}
	if r.Capture.Interval <= 0 {
		fail("capture.interval must be > 0")
	}
	if r.Debounce.ConfirmFrames < 1 || r.Debounce.DropFrames < 1 {
		fail("debounce.confirm_frames and drop_frames must be >= 1")
	}
	if len(r.States) == 0 {
		fail("at least one state is required")
	}

	states := make(map[string]State, len(r.States))
	for _, name := range sortedKeys(r.States) {
		st, stErrs := r.resolveState(name)
		errs = append(errs, stErrs...)
		states[name] = st
	}

	listed := r.Priority
	if listed == nil {
		for _, name := range DefaultPriority {
			if _, ok := r.States[name]; ok {
				listed = append(listed, name)
			}
		}
	}
	priority, pErrs := resolvePriority(listed, r.States)
	errs = append(errs, pErrs...)

	if len(errs) > 0 {
		return nil, apperrors.Wrap(errors.Join(errs...), apperrors.CodeConfigInvalid, "invalid configuration")
	}

	return &Config{
		InstanceID: r.Common.InstanceID,
		LogLevel:   r.Common.LogLevel,
		Capture: Capture{
			URL:           r.Capture.URL,
			OutputPath:    r.Capture.OutputPath,
			Interval:      seconds(r.Capture.Interval),
			Scale:         r.Capture.Scale,
			Quality:       r.Capture.Quality,
			RWTimeoutUS:   r.Capture.RWTimeoutUS,
			FFmpegPath:    r.Capture.FFmpegPath,
			CheckInterval: seconds(r.Capture.CheckInterval),
			RestartFloor:  seconds(r.Capture.RestartFloor),
			StopTimeout:   seconds(r.Capture.StopTimeout),
			ReadAttempts:  r.Capture.ReadAttempts,
			ReadTimeout:   seconds(r.Capture.ReadTimeout),
		},
		Detection: Detection{Algo: algo, HashSize: r.Detection.HashSize},
		States:    states,
		Priority:  priority,
		Debounce: Debounce{
			ConfirmFrames: r.Debounce.ConfirmFrames,
			DropFrames:    r.Debounce.DropFrames,
		},
		Output: Output{StatusFile: r.Output.StatusFile, HistoryDB: r.Output.HistoryDB},
		Telegram: Telegram{
			Enabled:  r.Telegram.Enabled,
			BotToken: r.Telegram.BotToken,
			ChatID:   r.Telegram.ChatID,
			ClientID: r.Telegram.ClientID,
		},
		API: API{HTTPAddr: r.API.HTTPAddr, GRPCAddr: r.API.GRPCAddr},
	}, nil
}

func (r *rawConfig) resolveState(name string) (State, []error) {
	var errs []error
	rs := r.States[name]
	if name == debounce.Other || name == debounce.Unknown {
		errs = append(errs, fmt.Errorf("state %s: name is reserved", name))
	}
	if rs.RefsDir == "" {
		errs = append(errs, fmt.Errorf("state %s: refs_dir is required", name))
	}
	if rs.MinMatch < 1 {
		errs = append(errs, fmt.Errorf("state %s: min_match must be >= 1", name))
	}
	if rs.Threshold < 0 {
		errs = append(errs, fmt.Errorf("state %s: threshold must be >= 0", name))
	}

	rois := make([]ROI, 0, len(rs.ROIs))
	for _, rr := range rs.ROIs {
		roi, err := r.resolveROI(name, rr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rois = append(rois, roi)
	}
	if len(rs.ROIs) == 0 {
		errs = append(errs, fmt.Errorf("state %s: at least one roi is required", name))
	}

	return State{
		Name:    name,
		RefsDir: rs.RefsDir,
		ROIs:    rois,
		Policy:  Policy{MinMatch: rs.MinMatch, MaxMatch: rs.MaxMatch, Threshold: rs.Threshold},
	}, errs
}

func (r *rawConfig) resolveROI(owner string, rr rawROI) (ROI, error) {
	if rr.Name == "" {
		return ROI{}, fmt.Errorf("state %s: roi without a name", owner)
	}
	link := rr.LinkedState
	if link == "" {
		link = rr.RefState
	}
	if link == owner {
		link = ""
	}

	coords := rr
	if link != "" {
		target, ok := r.States[link]
		if !ok {
			return ROI{}, fmt.Errorf("state %s roi %s: linked state %q does not exist", owner, rr.Name, link)
		}
		idx := slices.IndexFunc(target.ROIs, func(t rawROI) bool { return t.Name == rr.Name })
		if idx < 0 {
			return ROI{}, fmt.Errorf("state %s roi %s: linked state %s has no roi %s", owner, rr.Name, link, rr.Name)
		}
		t := target.ROIs[idx]
		if (t.LinkedState != "" && t.LinkedState != link) || (t.RefState != "" && t.RefState != link) {
			return ROI{}, fmt.Errorf("state %s roi %s: chained links are not supported", owner, rr.Name)
		}
		if !rr.hasCoords() {
			coords.X, coords.Y, coords.W, coords.H = t.X, t.Y, t.W, t.H
		}
	}

	if !coords.hasCoords() {
		return ROI{}, fmt.Errorf("state %s roi %s: x, y, w and h are required", owner, rr.Name)
	}
	if *coords.W <= 0 || *coords.H <= 0 {
		return ROI{}, fmt.Errorf("state %s roi %s: w and h must be > 0", owner, rr.Name)
	}

	return ROI{
		Name:        rr.Name,
		Rect:        fingerprint.Rect(*coords.X, *coords.Y, *coords.W, *coords.H),
		Required:    rr.Required,
		Negative:    rr.Negative,
		LinkedState: link,
	}, nil
}

// resolvePriority keeps the configured order and appends unlisted states by name.
func resolvePriority(listed []string, states map[string]rawState) ([]string, []error) {
	var errs []error
	seen := make(map[string]bool, len(states))
	out := make([]string, 0, len(states))
	for _, name := range listed {
		if _, ok := states[name]; !ok {
			errs = append(errs, fmt.Errorf("priority: unknown state %q", name))
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, name := range sortedKeys(states) {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out, errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
