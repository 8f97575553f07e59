// Package segmenter slices an unbounded raw yuv420p byte stream into whole
// frames on exact byte boundaries.
package segmenter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/camrelay/internal/observability"
)

// Frame is one planar 4:2:0 picture: a width*height luma plane followed by
// two width*height/4 chroma planes.
type Frame struct {
	Width  int
	Height int
	Seq    uint64
	Data   []byte
}

// FrameSize returns the byte length of a yuv420p frame.
func FrameSize(width, height int) int {
	return width * height * 3 / 2
}

// Process is the subprocess feeding the segmenter.
type Process interface {
	Start(ctx context.Context) error
	Stop()
}

// Status is a point-in-time snapshot of a Segmenter.
type Status struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FrameSize    int    `json:"frame_size"`
	PendingBytes int    `json:"pending_bytes"`
	Frames       uint64 `json:"frames"`
}

// Segmenter accumulates bytes and emits every complete frame in order.
type Segmenter struct {
	width  int
	height int
	size   int
	proc   Process
	logger *slog.Logger

	onFrame func(Frame)
	onError func(error)

	mu     sync.Mutex
	acc    []byte
	frames atomic.Uint64
}

// New creates a segmenter for width x height frames read from proc.
// Both dimensions must be positive and even.
func New(width, height int, proc Process, logger *slog.Logger) (*Segmenter, error) {
	if width < 2 || height < 2 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d: must be positive and even", width, height)
	}
	if logger == nil {
		logger = slog.Default()
	}

	size := FrameSize(width, height)
	return &Segmenter{
		width:  width,
		height: height,
		size:   size,
		proc:   proc,
		logger: observability.WithComponent(logger, "segmenter"),
		acc:    make([]byte, 0, 2*size),
	}, nil
}

// OnFrame registers the frame consumer. It is called synchronously from
// OnBytes and must not call back into the segmenter.
func (s *Segmenter) OnFrame(fn func(Frame)) *Segmenter {
	s.onFrame = fn
	return s
}

// OnError registers a listener for non-fatal start failures.
func (s *Segmenter) OnError(fn func(error)) *Segmenter {
	s.onError = fn
	return s
}

// FrameSize returns the configured frame length in bytes.
func (s *Segmenter) FrameSize() int {
	return s.size
}

// Start launches the feeding process. A spawn failure is reported to the
// error listener and returned; Start may be called again later.
func (s *Segmenter) Start(ctx context.Context) error {
	if s.proc == nil {
		return nil
	}
	if err := s.proc.Start(ctx); err != nil {
		observability.WithError(s.logger, err).Error("raw video source failed to start")
		if s.onError != nil {
			s.onError(err)
		}
		return err
	}
	s.logger.Info("raw video source started",
		slog.Int("width", s.width),
		slog.Int("height", s.height),
		slog.Int("frame_size", s.size),
	)
	return nil
}

// Stop terminates the feeding process and discards any partial frame.
func (s *Segmenter) Stop() {
	if s.proc != nil {
		s.proc.Stop()
	}

	s.mu.Lock()
	dropped := len(s.acc)
	s.acc = s.acc[:0]
	s.mu.Unlock()

	s.logger.Debug("segmenter stopped", slog.Int("discarded_bytes", dropped))
}

// OnBytes appends chunk and emits every complete frame it finishes, in
// order, before returning. Fewer than FrameSize trailing bytes are kept for
// the next call.
//
// Only Stop clears the buffer. When the supervisor restarts a crashed
// process, the crashed process's partial last frame stays buffered and the
// new stream is misaligned by that many bytes. This loss is accepted; do not
// reset the buffer on restart.
func (s *Segmenter) OnBytes(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.acc = append(s.acc, chunk...)

	off := 0
	for len(s.acc)-off >= s.size {
		data := make([]byte, s.size)
		copy(data, s.acc[off:off+s.size])
		off += s.size

		seq := s.frames.Add(1)
		if s.onFrame != nil {
			s.onFrame(Frame{Width: s.width, Height: s.height, Seq: seq, Data: data})
		}
	}

	if off > 0 {
		s.acc = append(s.acc[:0], s.acc[off:]...)
	}
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (s *Segmenter) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acc)
}

// Status returns a snapshot of the segmenter.
func (s *Segmenter) Status() Status {
	return Status{
		Width:        s.width,
		Height:       s.height,
		FrameSize:    s.size,
		PendingBytes: s.Pending(),
		Frames:       s.frames.Load(),
	}
}
