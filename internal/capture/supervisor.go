package capture

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/GriffinCanCode/egm-detector/internal/syncx"
	"github.com/GriffinCanCode/egm-detector/internal/timeutil"
)

// Phase is the lifecycle position of the capture process.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseExited   Phase = "exited"
)

// Status is the externally visible CaptureProcessState.
type Status struct {
	Phase        Phase     `json:"phase"`
	Running      bool      `json:"running"`
	PID          int       `json:"pid,omitempty"`
	StartTime    time.Time `json:"start_time,omitzero"`
	RestartCount int       `json:"restart_count"`
	LastError    string    `json:"last_error,omitempty"`
	Uptime       float64   `json:"uptime"`
}

// Supervisor keeps one capture process alive and spaces restarts by at
// least the restart floor. Control state is guarded by mu; readers use the
// status snapshot.
type Supervisor struct {
	opts     Options
	launcher Launcher
	clock    timeutil.Clock

	mu            sync.Mutex
	proc          Process
	done          chan struct{}
	lastStart     time.Time
	starts        int
	stopRequested bool
	wake          chan struct{}
	wakeClosed    bool

	status *syncx.RWGuard[Status]
}

// NewSupervisor creates a stopped supervisor.
func NewSupervisor(opts Options, launcher Launcher, clock timeutil.Clock) *Supervisor {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Supervisor{
		opts:     opts.withDefaults(),
		launcher: launcher,
		clock:    clock,
		wake:     make(chan struct{}),
		status:   syncx.NewGuard(Status{Phase: PhaseStopped}),
	}
}

// restartDelay returns how long to wait so that consecutive start attempts
// are at least floor apart.
func restartDelay(lastStart, now time.Time, floor time.Duration) time.Duration {
	if lastStart.IsZero() {
		return 0
	}
	if elapsed := now.Sub(lastStart); elapsed < floor {
		return floor - elapsed
	}
	return 0
}

// Start clears a previous stop request and launches the process.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.stopRequested = false
	if s.wakeClosed {
		s.wake = make(chan struct{})
		s.wakeClosed = false
	}
	s.mu.Unlock()
	s.EnsureRunning(ctx)
}

// EnsureRunning launches the process if it is not running, waiting out the
// restart floor first. Failures are recorded in Status, never returned.
func (s *Supervisor) EnsureRunning(ctx context.Context) {
	s.mu.Lock()
	prev := s.status.Get().Phase
	if s.stopRequested || prev == PhaseRunning || prev == PhaseStarting {
		s.mu.Unlock()
		return
	}
	delay := restartDelay(s.lastStart, s.clock.Now(), s.opts.RestartFloor)
	s.setPhase(PhaseStarting)
	wake := s.wake
	s.mu.Unlock()

	if delay > 0 {
		slog.Info("capture restart backoff", "delay", delay)
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.status.Get().Phase == PhaseStarting {
				s.setPhase(prev)
			}
			s.mu.Unlock()
			return
		case <-wake:
			return
		case <-s.clock.After(delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopRequested {
		s.setPhase(PhaseStopped)
		return
	}
	// a Stop and Start happened during the wait; the newer call owns the start
	if s.wake != wake || s.proc != nil {
		return
	}
	s.spawnLocked()
}

func (s *Supervisor) spawnLocked() {
	now := s.clock.Now()
	s.lastStart = now
	s.starts++

	p, err := s.launcher.Launch(s.opts.FFmpegPath, s.opts.Args())
	if err != nil {
		slog.Error("capture start failed", "error", err)
		s.status.Write(func(st *Status) {
			st.Phase = PhaseExited
			st.Running = false
			st.PID = 0
			st.LastError = err.Error()
		})
		return
	}

	done := make(chan struct{})
	s.proc, s.done = p, done
	restarts := s.starts - 1
	s.status.Write(func(st *Status) {
		st.Phase = PhaseRunning
		st.Running = true
		st.PID = p.Pid()
		st.StartTime = now
		st.RestartCount = restarts
	})
	slog.Info("capture process started", "pid", p.Pid(), "fps", s.opts.FPS(), "output", s.opts.OutputPath)

	go s.monitor(p, done)
}

func (s *Supervisor) monitor(p Process, done chan struct{}) {
	err := p.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(done)
	if s.proc != p {
		return
	}
	s.proc = nil

	phase := PhaseExited
	if s.stopRequested {
		phase = PhaseStopped
	}
	s.status.Write(func(st *Status) {
		st.Phase = phase
		st.Running = false
		st.PID = 0
		if err != nil && phase == PhaseExited {
			st.LastError = err.Error()
		}
	})
	if phase == PhaseExited {
		slog.Warn("capture process exited", "pid", p.Pid(), "error", err)
	}
}

// Stop terminates the process: SIGTERM, a bounded wait, then Kill. A pending
// restart backoff is cancelled and no new process is started until Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopRequested = true
	if !s.wakeClosed {
		close(s.wake)
		s.wakeClosed = true
	}
	p, done := s.proc, s.done
	if p == nil {
		s.setPhase(PhaseStopped)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log := slog.With("pid", p.Pid())
	if err := p.Signal(syscall.SIGTERM); err != nil {
		log.Debug("sigterm failed", "error", err)
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		log.Info("capture process stopped")
		return
	case <-timer.C:
	}

	log.Warn("capture process ignored sigterm, killing", "timeout", s.opts.StopTimeout)
	if err := p.Kill(); err != nil {
		log.Error("kill failed", "error", err)
	}
	timer.Reset(s.opts.StopTimeout)
	select {
	case <-done:
	case <-timer.C:
		log.Error("capture process did not exit after kill")
	}
}

// Restart stops the process and starts a new one, honouring the floor.
func (s *Supervisor) Restart(ctx context.Context) {
	s.Stop()
	s.Start(ctx)
}

// Status returns a snapshot of the process state.
func (s *Supervisor) Status() Status {
	st := s.status.Get()
	if st.Running && !st.StartTime.IsZero() {
		st.Uptime = s.clock.Since(st.StartTime).Seconds()
	}
	return st
}

// Running reports whether the process is up.
func (s *Supervisor) Running() bool {
	return s.status.Get().Running
}

// Run starts the process and checks liveness every CheckInterval until ctx
// is cancelled, then stops the process.
func (s *Supervisor) Run(ctx context.Context) {
	s.Start(ctx)

	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
			s.EnsureRunning(ctx)
		}
	}
}

func (s *Supervisor) setPhase(p Phase) {
	s.status.Write(func(st *Status) {
		st.Phase = p
		if p != PhaseRunning {
			st.Running = false
		}
	})
}
