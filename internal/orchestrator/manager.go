package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GriffinCanCode/egm-detector/internal/capture"
	"github.com/GriffinCanCode/egm-detector/internal/config"
	"github.com/GriffinCanCode/egm-detector/internal/debounce"
	"github.com/GriffinCanCode/egm-detector/internal/detector"
	"github.com/GriffinCanCode/egm-detector/internal/fingerprint"
	"github.com/GriffinCanCode/egm-detector/internal/history"
	"github.com/GriffinCanCode/egm-detector/internal/matcher"
	"github.com/GriffinCanCode/egm-detector/internal/notify"
	"github.com/GriffinCanCode/egm-detector/internal/refstore"
	"github.com/GriffinCanCode/egm-detector/internal/timeutil"
	"github.com/GriffinCanCode/egm-detector/internal/trace"
)

// Options selects optional components.
type Options struct {
	// History opens the transition database.
	History bool
	// Notify enables the Telegram notifier when it is configured.
	Notify bool
	// Launcher starts the capture process; nil uses ffmpeg via exec.
	Launcher capture.Launcher
	Clock    timeutil.Clock
}

// Manager owns every component built from one configuration. It is built
// once in main and shared by the loops and the API.
type Manager struct {
	cfg *config.Config

	hasher     *fingerprint.Hasher
	refs       *refstore.Store
	frames     *capture.FrameReader
	supervisor *capture.Supervisor
	detector   *detector.Detector
	dispatcher *notify.Dispatcher
	history    *history.Store
}

// New builds the components. Reference images are not loaded yet.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	hasher, err := fingerprint.NewHasher(cfg.Detection.Algo, cfg.Detection.HashSize)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	states := cfg.Ordered()
	m := &Manager{
		cfg:    cfg,
		hasher: hasher,
		refs:   refstore.New(states, hasher),
		frames: capture.NewFrameReader(cfg.Capture.OutputPath, cfg.Capture.ReadAttempts, cfg.Capture.ReadTimeout),
	}
	m.supervisor = capture.NewSupervisor(capture.OptionsFromConfig(cfg.Capture), opts.Launcher, opts.Clock)

	var notifier detector.Notifier
	if opts.Notify && cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		sink := notify.NewTelegramSink(notify.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Label:    cfg.NotifierID(),
		}, nil)
		m.dispatcher = notify.NewDispatcher(sink, NotifyQueueSize, NotifySendTimeout)
		notifier = m.dispatcher
	}

	var recorder detector.Recorder
	if opts.History && cfg.Output.HistoryDB != "" {
		if m.history, err = history.Open(cfg.Output.HistoryDB); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		slog.Debug("history opened", "path", m.history.Path())
		recorder = m.history
	}

	m.detector = detector.New(
		detector.Options{
			States:      states,
			StatusFile:  cfg.Output.StatusFile,
			Interval:    cfg.Capture.Interval,
			EventBuffer: DetectorEventBuffer,
		},
		m.refs,
		m.frames,
		matcher.New(hasher, m.refs),
		debounce.New(cfg.Debounce.ConfirmFrames, cfg.Debounce.DropFrames),
		notifier,
		recorder,
		opts.Clock,
	)
	return m, nil
}

// Config returns the configuration the manager was built from.
func (m *Manager) Config() *config.Config { return m.cfg }

// Detector returns the detection loop.
func (m *Manager) Detector() *detector.Detector { return m.detector }

// Supervisor returns the capture process supervisor.
func (m *Manager) Supervisor() *capture.Supervisor { return m.supervisor }

// References returns the reference store.
func (m *Manager) References() *refstore.Store { return m.refs }

// Rebuild loads every state's references from disk and reports the counts.
func (m *Manager) Rebuild(ctx context.Context) []refstore.Stats {
	_, span := trace.StartSpan(ctx, "rebuild_references")
	defer span.Finish()

	m.refs.LoadAll()
	stats := m.refs.Stats()
	span.SetAttr("states", len(stats))
	span.SetAttr("hasher", m.hasher.Describe())
	return stats
}

// DetectOnce loads references and runs a single detection cycle against the
// current frame file.
func (m *Manager) DetectOnce(ctx context.Context) detector.Result {
	m.refs.LoadAll()
	return m.detector.Step(ctx)
}

// Close releases resources that outlive Run.
func (m *Manager) Close() error {
	if m.history != nil {
		return m.history.Close()
	}
	return nil
}
