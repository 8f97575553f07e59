package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/jmylchreest/camrelay/internal/ffmpeg"
	"github.com/jmylchreest/camrelay/internal/observability"
)

// ErrEncoderStopped is returned by Start after Stop.
var ErrEncoderStopped = errors.New("encoder stopped")

// SampleWriter receives each encoded frame.
type SampleWriter func(media.Sample) error

// Encoder pipes raw frames through an FFmpeg VP8 encoder and hands each
// encoded IVF frame to a SampleWriter.
type Encoder struct {
	template      *ffmpeg.Command
	frameDuration time.Duration
	logger        *slog.Logger

	frames chan []byte

	mu      sync.Mutex
	cmd     *ffmpeg.Command
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	fed     atomic.Uint64
	dropped atomic.Uint64
	samples atomic.Uint64
}

// EncoderStats counts frames through the encoder.
type EncoderStats struct {
	Running bool   `json:"running"`
	Fed     uint64 `json:"fed"`
	Dropped uint64 `json:"dropped"`
	Samples uint64 `json:"samples"`
}

// NewEncoder creates an encoder that clones template for its process.
// frameRate is used for sample durations when the IVF header carries no
// usable timebase.
func NewEncoder(template *ffmpeg.Command, frameRate int, logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	if frameRate <= 0 {
		frameRate = 30
	}
	return &Encoder{
		template:      template,
		frameDuration: time.Second / time.Duration(frameRate),
		logger:        observability.WithComponent(logger, "vp8-encoder"),
		frames:        make(chan []byte, 1),
	}
}

// Start launches the encoder process. Calling Start on a running encoder
// is a no-op.
func (e *Encoder) Start(ctx context.Context, sink SampleWriter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEncoderStopped
	}
	if e.cmd != nil {
		return nil
	}

	cmd := e.template.Clone()
	cmd.PipeStdin = true

	ctx, cancel := context.WithCancel(ctx)
	pipes, err := cmd.Start(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("starting encoder: %w", err)
	}

	e.cmd = cmd
	e.cancel = cancel
	e.done = make(chan struct{})

	e.logger.Info("encoder started", slog.Int("pid", cmd.PID()))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		cmd.CaptureStderr(pipes.Stderr, func(line string) {
			e.logger.Debug("encoder stderr", slog.String("line", line))
		})
	}()
	go func() {
		defer wg.Done()
		e.writeLoop(ctx, pipes.Stdin)
	}()
	go func() {
		defer wg.Done()
		if err := e.readLoop(pipes.Stdout, sink); err != nil && ctx.Err() == nil {
			observability.WithError(e.logger, err).Warn("encoder output ended")
		}
		// Unblock the writer if the process went away on its own.
		cancel()
	}()

	go func(done chan struct{}) {
		wg.Wait()
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			observability.WithError(e.logger, err).Warn("encoder exited")
		} else {
			e.logger.Debug("encoder exited")
		}
		close(done)
	}(e.done)

	return nil
}

// Feed queues one raw frame without blocking. A frame arriving while the
// encoder is still busy with the previous one is dropped.
func (e *Encoder) Feed(frame []byte) bool {
	select {
	case e.frames <- frame:
		e.fed.Add(1)
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

func (e *Encoder) writeLoop(ctx context.Context, stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-e.frames:
			if _, err := stdin.Write(frame); err != nil {
				if ctx.Err() == nil {
					observability.WithError(e.logger, err).Warn("writing frame to encoder")
				}
				return
			}
		}
	}
}

func (e *Encoder) readLoop(stdout io.Reader, sink SampleWriter) error {
	reader, header, err := ivfreader.NewWith(stdout)
	if err != nil {
		return fmt.Errorf("reading ivf header: %w", err)
	}

	duration := e.frameDuration
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		duration = time.Second * time.Duration(header.TimebaseNumerator) / time.Duration(header.TimebaseDenominator)
	}

	for {
		frame, _, err := reader.ParseNextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading ivf frame: %w", err)
		}
		if err := sink(media.Sample{Data: frame, Duration: duration}); err != nil {
			return fmt.Errorf("writing sample: %w", err)
		}
		e.samples.Add(1)
	}
}

// Stop terminates the encoder process and waits for its goroutines. It is
// idempotent and safe to call before Start.
func (e *Encoder) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("encoder stopped",
		slog.Uint64("samples", e.samples.Load()),
		slog.Uint64("dropped", e.dropped.Load()),
	)
}

// Stats returns the encoder's counters.
func (e *Encoder) Stats() EncoderStats {
	e.mu.Lock()
	running := e.cmd != nil && !e.stopped
	e.mu.Unlock()
	return EncoderStats{
		Running: running,
		Fed:     e.fed.Load(),
		Dropped: e.dropped.Load(),
		Samples: e.samples.Load(),
	}
}
