// Package supervisor owns the lifecycle of a long-running ffmpeg subprocess,
// streaming its stdout to a consumer and restarting it after abnormal exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/camrelay/internal/ffmpeg"
	"github.com/jmylchreest/camrelay/internal/observability"
)

// DefaultRestartDelay is the fixed wait before respawning a crashed process.
const DefaultRestartDelay = 5 * time.Second

const defaultReadBufferSize = 64 * 1024

var (
	// ErrSpawnFailure is returned when the subprocess cannot be started at all.
	// Spawn failures are never retried automatically.
	ErrSpawnFailure = errors.New("subprocess spawn failed")
	// ErrSubprocessCrash describes a non-zero exit that was not caused by a signal.
	ErrSubprocessCrash = errors.New("subprocess exited abnormally")
)

// ScheduleFunc runs f once after d and returns a function that cancels the
// pending run, reporting whether it was still pending.
type ScheduleFunc func(d time.Duration, f func()) (cancel func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ExitEvent describes how a subprocess instance ended.
type ExitEvent struct {
	Code       int           `json:"code"`
	Signaled   bool          `json:"signaled"`
	Restarting bool          `json:"restarting"`
	Runtime    time.Duration `json:"runtime"`
	At         time.Time     `json:"at"`
	Err        error         `json:"-"`
}

// Intentional reports whether the exit was a clean stop (code 0 or a signal).
func (e ExitEvent) Intentional() bool {
	return e.Signaled || e.Code == 0
}

// Status is a point-in-time snapshot of a Supervisor.
type Status struct {
	Name         string               `json:"name"`
	Running      bool                 `json:"running"`
	PID          int                  `json:"pid,omitempty"`
	Restarts     int                  `json:"restarts"`
	LastRestart  time.Time            `json:"last_restart,omitzero"`
	LastExit     *ExitEvent           `json:"last_exit,omitempty"`
	Process      *ffmpeg.ProcessStats `json:"process,omitempty"`
	RecentStderr []string             `json:"recent_stderr,omitempty"`
}

// Supervisor runs one subprocess at a time from a fixed command template.
type Supervisor struct {
	name         string
	template     *ffmpeg.Command
	logger       *slog.Logger
	restartDelay time.Duration
	schedule     ScheduleFunc
	bufSize      int
	onStdout     func([]byte)
	onExit       func(ExitEvent)

	// deliverMu is held while a chunk is handed to onStdout. Start and Stop
	// take it before changing the generation, so once they return no chunk
	// from an earlier process reaches the consumer. Lock order: deliverMu, mu.
	deliverMu sync.Mutex

	mu            sync.Mutex
	ctx           context.Context
	current       *ffmpeg.Command
	generation    uint64
	cancelRestart func() bool
	restarts      int
	lastRestart   time.Time
	lastExit      *ExitEvent
}

// New creates a supervisor for the given command template.
func New(name string, template *ffmpeg.Command, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		name:         name,
		template:     template,
		logger:       observability.WithComponent(logger, "supervisor").With(slog.String("process", name)),
		restartDelay: DefaultRestartDelay,
		schedule:     afterFunc,
		bufSize:      defaultReadBufferSize,
	}
}

// WithRestartDelay overrides the fixed restart delay.
func (s *Supervisor) WithRestartDelay(d time.Duration) *Supervisor {
	s.restartDelay = d
	return s
}

// WithScheduler replaces the timer used to schedule restarts.
func (s *Supervisor) WithScheduler(fn ScheduleFunc) *Supervisor {
	s.schedule = fn
	return s
}

// WithReadBufferSize sets the size of stdout reads handed to the consumer.
func (s *Supervisor) WithReadBufferSize(n int) *Supervisor {
	if n > 0 {
		s.bufSize = n
	}
	return s
}

// OnStdout registers the byte-stream consumer. The chunk passed to fn is
// reused after fn returns, so fn must copy anything it keeps.
func (s *Supervisor) OnStdout(fn func([]byte)) *Supervisor {
	s.onStdout = fn
	return s
}

// OnExit registers a handler called after every subprocess exit.
func (s *Supervisor) OnExit(fn func(ExitEvent)) *Supervisor {
	s.onExit = fn
	return s
}

// Name returns the supervisor's name.
func (s *Supervisor) Name() string {
	return s.name
}

// Start spawns the subprocess. It is a no-op while a process is running.
// Cancelling ctx interrupts the process and suppresses further restarts.
func (s *Supervisor) Start(ctx context.Context) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.IsRunning() {
		return nil
	}

	s.generation++
	s.cancelPendingRestartLocked()
	s.ctx = ctx

	return s.spawnLocked(s.generation)
}

// Stop interrupts the running subprocess and cancels any pending restart.
// It does not wait for the process to exit, but output the process writes
// after Stop returns is discarded. Safe to call repeatedly.
func (s *Supervisor) Stop() {
	s.deliverMu.Lock()
	s.mu.Lock()
	s.generation++
	s.cancelPendingRestartLocked()
	cmd := s.current
	s.current = nil
	s.mu.Unlock()
	s.deliverMu.Unlock()

	if cmd == nil {
		return
	}

	s.logger.Info("stopping subprocess", slog.Int("pid", cmd.PID()))
	if err := cmd.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		observability.WithError(s.logger, err).Warn("failed to signal subprocess")
	}
}

// IsRunning reports whether a subprocess exists and has not exited.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.IsRunning()
}

// Status returns a snapshot of the supervisor and its current process.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:        s.name,
		Restarts:    s.restarts,
		LastRestart: s.lastRestart,
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		st.LastExit = &exit
	}
	if s.current != nil && s.current.IsRunning() {
		st.Running = true
		st.PID = s.current.PID()
		st.Process = s.current.ProcessStats()
		st.RecentStderr = s.current.StderrLines()
	}
	return st
}

func (s *Supervisor) cancelPendingRestartLocked() {
	if s.cancelRestart != nil {
		s.cancelRestart()
		s.cancelRestart = nil
	}
}

func (s *Supervisor) spawnLocked(gen uint64) error {
	cmd := s.template.Clone()

	pipes, err := cmd.Start(s.ctx)
	if err != nil {
		observability.WithError(s.logger, err).Error("failed to spawn subprocess",
			slog.String("command", cmd.String()),
		)
		return fmt.Errorf("%w: %s: %w", ErrSpawnFailure, s.name, err)
	}

	s.current = cmd
	s.logger.Info("subprocess started",
		slog.Int("pid", cmd.PID()),
		slog.String("command", cmd.String()),
	)

	go s.run(cmd, pipes, gen)
	return nil
}

// run drains both output streams, reaps the process and applies the
// restart policy.
func (s *Supervisor) run(cmd *ffmpeg.Command, pipes *ffmpeg.Pipes, gen uint64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cmd.CaptureStderr(pipes.Stderr, s.logStderrLine)
	}()
	go func() {
		defer wg.Done()
		s.pump(ffmpeg.NewCountingReader(pipes.Stdout, cmd.Monitor()), gen)
	}()
	wg.Wait()

	s.handleExit(cmd, gen, cmd.Wait())
}

// pump reads stdout until EOF. Chunks from a superseded generation are
// read and dropped so the process can still flush and exit.
func (s *Supervisor) pump(r io.Reader, gen uint64) {
	buf := make([]byte, s.bufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && s.onStdout != nil {
			s.deliver(buf[:n], gen)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				observability.WithError(s.logger, err).Debug("stdout read ended")
			}
			return
		}
	}
}

func (s *Supervisor) deliver(chunk []byte, gen uint64) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	current := gen == s.generation
	s.mu.Unlock()
	if !current {
		return
	}
	s.onStdout(chunk)
}

func (s *Supervisor) logStderrLine(line string) {
	if strings.Contains(strings.ToLower(line), "error") {
		s.logger.Warn("ffmpeg stderr", slog.String("line", line))
		return
	}
	s.logger.Debug("ffmpeg stderr", slog.String("line", line))
}

func (s *Supervisor) handleExit(cmd *ffmpeg.Command, gen uint64, waitErr error) {
	ev := classifyExit(waitErr)
	ev.Runtime = cmd.Duration()
	ev.At = time.Now()

	s.mu.Lock()
	if s.current == cmd {
		s.current = nil
	}
	if !ev.Intentional() && gen == s.generation && s.ctx.Err() == nil {
		ev.Restarting = true
		s.cancelRestart = s.schedule(s.restartDelay, func() { s.restart(gen) })
	}
	s.lastExit = &ev
	onExit := s.onExit
	s.mu.Unlock()

	logger := s.logger.With(
		slog.Int("exit_code", ev.Code),
		slog.Bool("signaled", ev.Signaled),
		slog.Duration("runtime", ev.Runtime),
	)
	switch {
	case ev.Restarting:
		observability.WithError(logger, ev.Err).Error("subprocess crashed, restart scheduled",
			slog.Duration("delay", s.restartDelay),
		)
	case ev.Intentional():
		logger.Info("subprocess exited")
	default:
		observability.WithError(logger, ev.Err).Warn("subprocess crashed after stop, not restarting")
	}

	if onExit != nil {
		onExit(ev)
	}
}

func (s *Supervisor) restart(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.ctx.Err() != nil {
		return
	}
	s.cancelRestart = nil
	s.restarts++
	s.lastRestart = time.Now()

	s.logger.Info("restarting subprocess", slog.Int("restarts", s.restarts))
	// Failure is already logged; spawn failures are not retried.
	_ = s.spawnLocked(gen)
}

// classifyExit maps the result of Wait onto an ExitEvent. A process killed
// by a signal reports exit code -1.
func classifyExit(err error) ExitEvent {
	if err == nil {
		return ExitEvent{}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == -1 {
			return ExitEvent{Code: code, Signaled: true}
		}
		return ExitEvent{
			Code: code,
			Err:  fmt.Errorf("%w: exit code %d", ErrSubprocessCrash, code),
		}
	}

	return ExitEvent{Code: -1, Err: fmt.Errorf("%w: %w", ErrSubprocessCrash, err)}
}
