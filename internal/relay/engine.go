// Package relay wires the camera decode paths to their consumers: the
// broadcast path feeds the websocket hub, and the raw path feeds the frame
// segmenter and the real-time session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/camrelay/internal/broadcast"
	"github.com/jmylchreest/camrelay/internal/config"
	"github.com/jmylchreest/camrelay/internal/ffmpeg"
	"github.com/jmylchreest/camrelay/internal/observability"
	"github.com/jmylchreest/camrelay/internal/segmenter"
	"github.com/jmylchreest/camrelay/internal/signaling"
	"github.com/jmylchreest/camrelay/internal/supervisor"
)

// Process names used in logs and status.
const (
	BroadcastProcess = "broadcast"
	RawProcess       = "raw-video"
)

// Commands are the subprocess templates for the two decode paths.
type Commands struct {
	Broadcast *ffmpeg.Command
	Raw       *ffmpeg.Command
}

// DefaultCommands builds the ffmpeg invocations for cfg.
func DefaultCommands(ffmpegPath string, cfg *config.Config) Commands {
	return Commands{
		Broadcast: ffmpeg.BroadcastCommand(ffmpegPath, cfg),
		Raw:       ffmpeg.RawVideoCommand(ffmpegPath, cfg),
	}
}

// Status is a snapshot of the whole relay.
type Status struct {
	StartedAt  time.Time              `json:"started_at,omitzero"`
	Broadcast  broadcast.Status       `json:"broadcast"`
	Signaling  signaling.Status       `json:"signaling"`
	Segmenter  segmenter.Status       `json:"segmenter"`
	Processes  []supervisor.Status    `json:"processes"`
	Throughput map[string]MeterStatus `json:"throughput"`
}

// Engine owns both decode paths and the two websocket endpoints.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	hub           *broadcast.Hub
	manager       *signaling.Manager
	signaling     *signaling.Server
	broadcastProc *supervisor.Supervisor
	rawProc       *supervisor.Supervisor
	segmenter     *segmenter.Segmenter

	broadcastBytes *Meter
	rawBytes       *Meter

	mu        sync.Mutex
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
	shutdown  bool
}

// New assembles an engine. peers creates the peer connection for each
// admitted signaling client.
func New(cfg *config.Config, cmds Commands, peers signaling.PeerFactory, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:            cfg,
		logger:         observability.WithComponent(logger, "relay"),
		broadcastBytes: NewMeter(DefaultThroughputWindow, DefaultSamplePeriod),
		rawBytes:       NewMeter(DefaultThroughputWindow, DefaultSamplePeriod),
	}

	e.hub = broadcast.NewHub(logger, cfg.Broadcast.WriteTimeout)
	e.manager = signaling.NewManager(peers, logger)
	e.signaling = signaling.NewServer(e.manager, logger, cfg.Signaling.MaxMessageSize, cfg.Signaling.WriteTimeout)

	e.broadcastProc = supervisor.New(BroadcastProcess, cmds.Broadcast, logger).
		WithRestartDelay(cfg.FFmpeg.RestartDelay).
		OnStdout(func(chunk []byte) {
			e.broadcastBytes.Add(len(chunk))
			e.hub.Broadcast(chunk)
		}).
		OnExit(e.logExit(BroadcastProcess))

	e.rawProc = supervisor.New(RawProcess, cmds.Raw, logger).
		WithRestartDelay(cfg.FFmpeg.RestartDelay).
		OnExit(e.logExit(RawProcess))

	seg, err := segmenter.New(cfg.WebRTC.Width, cfg.WebRTC.Height, e.rawProc, logger)
	if err != nil {
		return nil, fmt.Errorf("creating segmenter: %w", err)
	}
	e.segmenter = seg.
		OnFrame(e.manager.DeliverFrame).
		OnError(func(err error) {
			observability.WithError(e.logger, err).Warn("raw video path unavailable")
		})

	e.rawProc.OnStdout(func(chunk []byte) {
		e.rawBytes.Add(len(chunk))
		e.segmenter.OnBytes(chunk)
	})

	return e, nil
}

func (e *Engine) logExit(name string) func(supervisor.ExitEvent) {
	return func(ev supervisor.ExitEvent) {
		attrs := []any{
			slog.String("process", name),
			slog.Int("code", ev.Code),
			slog.Bool("restarting", ev.Restarting),
			slog.Duration("runtime", ev.Runtime),
		}
		if ev.Intentional() {
			e.logger.Info("decode path stopped", attrs...)
			return
		}
		e.logger.Warn("decode path exited abnormally", attrs...)
	}
}

// Start binds both websocket listeners and starts both decode paths. A bind
// failure is returned; a spawn failure is logged and leaves that path idle.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return errors.New("relay already started")
	}

	if err := e.hub.Start(e.cfg.Broadcast.Address()); err != nil {
		return err
	}
	if err := e.signaling.Start(e.cfg.Signaling.Address()); err != nil {
		_ = e.hub.Stop(context.Background())
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = time.Now()

	if err := e.broadcastProc.Start(runCtx); err != nil {
		observability.WithError(e.logger, err).Error("broadcast path failed to start")
	}
	// Failures are reported through the segmenter's error listener.
	_ = e.segmenter.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		e.sampleThroughput(gctx)
		return nil
	})
	e.group = g

	e.logger.Info("relay started",
		slog.String("broadcast_address", e.hub.Addr().String()),
		slog.String("signaling_address", e.signaling.Addr().String()),
	)
	return nil
}

func (e *Engine) sampleThroughput(ctx context.Context) {
	ticker := time.NewTicker(DefaultSamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.broadcastBytes.Sample()
			e.rawBytes.Sample()
		}
	}
}

// Run starts the engine and blocks until ctx is cancelled, then shuts it
// down with timeout as the deadline.
func (e *Engine) Run(ctx context.Context, timeout time.Duration) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// Shutdown stops both decode paths, then the hub, then the signaling
// endpoint and its session. Every step runs even when an earlier one
// fails. It is idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	cancel := e.cancel
	group := e.group
	e.mu.Unlock()

	e.logger.Info("relay shutting down")

	e.broadcastProc.Stop()
	e.segmenter.Stop()

	var errs []error
	if err := e.hub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping broadcast hub: %w", err))
	}
	if err := e.signaling.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping signaling: %w", err))
	}

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		observability.WithError(e.logger, err).Warn("relay shutdown completed with errors")
	} else {
		e.logger.Info("relay stopped")
	}
	return err
}

// Manager returns the signaling session manager.
func (e *Engine) Manager() *signaling.Manager {
	return e.manager
}

// BroadcastAddr returns the bound broadcast listener address.
func (e *Engine) BroadcastAddr() net.Addr {
	return e.hub.Addr()
}

// SignalingAddr returns the bound signaling listener address.
func (e *Engine) SignalingAddr() net.Addr {
	return e.signaling.Addr()
}

// Status returns a snapshot of every component.
func (e *Engine) Status() Status {
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()

	return Status{
		StartedAt: startedAt,
		Broadcast: e.hub.Status(),
		Signaling: e.manager.Status(),
		Segmenter: e.segmenter.Status(),
		Processes: []supervisor.Status{
			e.broadcastProc.Status(),
			e.rawProc.Status(),
		},
		Throughput: map[string]MeterStatus{
			BroadcastProcess: e.broadcastBytes.Status(),
			RawProcess:       e.rawBytes.Status(),
		},
	}
}
