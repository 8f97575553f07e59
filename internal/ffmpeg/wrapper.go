package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// maxStderrLines bounds the in-memory ring of recent diagnostics.
	maxStderrLines = 100
	// killGrace is how long a cancelled process gets between SIGINT and SIGKILL.
	killGrace = 3 * time.Second
)

// ErrNotStarted is returned by process control methods before Start.
var ErrNotStarted = errors.New("command not started")

// Command represents an FFmpeg command to execute.
// A Command runs at most once; use Clone to respawn the same invocation.
type Command struct {
	Binary    string
	Args      []string
	PipeStdin bool

	// Process control
	mu      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time
	exited  bool
	monitor *ProcessMonitor

	// Stderr capture
	stderrLines []string
	stderrMu    sync.RWMutex
}

// Pipes are the standard streams of a started Command.
// Stdin is nil unless the command was built with InputFromStdin.
type Pipes struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
	pipeStdin  bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	if level != "" {
		b.logLevel = level
	}
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops FFmpeg from reading interactive commands on stdin.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// RTSPTransport selects the RTSP lower transport (tcp or udp).
func (b *CommandBuilder) RTSPTransport(transport string) *CommandBuilder {
	if transport != "" {
		b.inputArgs = append(b.inputArgs, "-rtsp_transport", transport)
	}
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputFromStdin reads the input from a pipe the caller writes to.
func (b *CommandBuilder) InputFromStdin() *CommandBuilder {
	b.input = "pipe:0"
	b.pipeStdin = true
	return b
}

// Format sets the output container format.
func (b *CommandBuilder) Format(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", format)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// PixelFormat sets the output pixel format.
func (b *CommandBuilder) PixelFormat(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-pix_fmt", format)
	return b
}

// Size scales the output video to width x height.
func (b *CommandBuilder) Size(width, height int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-s", fmt.Sprintf("%dx%d", width, height))
	return b
}

// FrameRate sets the output frame rate.
func (b *CommandBuilder) FrameRate(fps int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-r", strconv.Itoa(fps))
	return b
}

// VideoBitrate sets the video bitrate.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	if bitrate != "" {
		b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	}
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioSampleRate sets the audio sample rate in Hz.
func (b *CommandBuilder) AudioSampleRate(rate int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ar", strconv.Itoa(rate))
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	if bitrate != "" {
		b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	}
	return b
}

// NoAudio drops every audio stream.
func (b *CommandBuilder) NoAudio() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-an")
	return b
}

// MuxDelay sets the muxer delay for live streaming.
func (b *CommandBuilder) MuxDelay(delay string) *CommandBuilder {
	if delay != "" {
		b.outputArgs = append(b.outputArgs, "-muxdelay", delay)
	}
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	args := make([]string, 0, 4+len(b.globalArgs)+len(b.inputArgs)+len(b.outputArgs))

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary:    b.binary,
		Args:      args,
		PipeStdin: b.pipeStdin,
	}
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Clone returns an unstarted copy of the command.
// exec.Cmd can only be started once, so every respawn needs a fresh Command.
func (c *Command) Clone() *Command {
	return &Command{
		Binary:    c.Binary,
		Args:      append([]string(nil), c.Args...),
		PipeStdin: c.PipeStdin,
	}
}

// Start launches the process with its standard streams piped back to the
// caller and begins resource monitoring. Cancelling ctx sends SIGINT and
// escalates to SIGKILL after a grace period.
//
// Callers must drain Stdout and Stderr before calling Wait.
func (c *Command) Start(ctx context.Context) (*Pipes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, errors.New("command already started")
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = killGrace

	pipes := &Pipes{}
	var err error
	if c.PipeStdin {
		if pipes.Stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("getting stdin pipe: %w", err)
		}
	}
	if pipes.Stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("getting stdout pipe: %w", err)
	}
	if pipes.Stderr, err = cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Binary, err)
	}

	c.cmd = cmd
	c.started = time.Now()
	c.monitor = NewProcessMonitor(cmd.Process.Pid)
	c.monitor.Start()

	return pipes, nil
}

// Wait waits for the command to exit and stops resource monitoring.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	monitor := c.monitor
	c.mu.RUnlock()

	if cmd == nil {
		return ErrNotStarted
	}

	err := cmd.Wait()

	monitor.Stop()
	c.mu.Lock()
	c.exited = true
	c.mu.Unlock()

	return err
}

// Signal sends a signal to the FFmpeg process.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.exited {
		return nil
	}
	return c.cmd.Process.Signal(sig)
}

// Kill terminates the FFmpeg process.
func (c *Command) Kill() error {
	return c.Signal(os.Kill)
}

// IsRunning returns true if the command has started and not yet been reaped.
func (c *Command) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cmd != nil && !c.exited
}

// PID returns the process ID, or 0 before Start.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// ProcessStats returns the current process statistics.
// Returns nil if monitoring is not active.
func (c *Command) ProcessStats() *ProcessStats {
	c.mu.RLock()
	monitor := c.monitor
	c.mu.RUnlock()

	if monitor == nil {
		return nil
	}
	stats := monitor.Stats()
	return &stats
}

// Monitor returns the process monitor, or nil before Start.
func (c *Command) Monitor() *ProcessMonitor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.monitor
}

// CaptureStderr reads r line by line until EOF, keeping the most recent
// lines in memory and handing each one to onLine when it is non-nil.
func (c *Command) CaptureStderr(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()

		if onLine != nil {
			onLine(line)
		}
	}
}

// StderrLines returns the recent stderr lines captured from FFmpeg.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}
