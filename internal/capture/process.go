package capture

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
)

// Process is a running capture process.
type Process interface {
	Pid() int
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts capture processes.
type Launcher interface {
	Launch(name string, args []string) (Process, error)
}

// ExecLauncher starts real OS processes.
type ExecLauncher struct{}

// Launch starts name with args. Stderr is kept for error reporting.
func (ExecLauncher) Launch(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	tail := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeProcessExit, "spawn capture process").WithMetadata("bin", name)
	}
	return &execProcess{cmd: cmd, stderr: tail}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err == nil {
		return nil
	}
	appErr := apperrors.Wrap(err, apperrors.CodeProcessExit, "capture process exited")
	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		appErr = appErr.WithMetadata("stderr", tail)
	}
	return appErr
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
