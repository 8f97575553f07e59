package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/camrelay/internal/config"
	"github.com/jmylchreest/camrelay/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/camrelay/internal/http"
	"github.com/jmylchreest/camrelay/internal/http/handlers"
	"github.com/jmylchreest/camrelay/internal/observability"
	"github.com/jmylchreest/camrelay/internal/peer"
	"github.com/jmylchreest/camrelay/internal/relay"
	"github.com/jmylchreest/camrelay/internal/version"
)

const probeTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the camera relay",
	Long: `Start the camera relay.

The relay runs three listeners:
- HTTP on server.port (default 8080): /health, /api/endpoints and the player
- Broadcast websocket on broadcast.port (default 9999): MPEG-TS to every viewer
- Signaling websocket on signaling.port (default 8081): one WebRTC viewer at a time`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host the HTTP server binds to")
	serveCmd.Flags().Int("port", 8080, "HTTP port")
	serveCmd.Flags().Int("broadcast-port", 9999, "Broadcast websocket port")
	serveCmd.Flags().Int("signaling-port", 8081, "Signaling websocket port")
	serveCmd.Flags().String("camera-url", "", "RTSP URL of the camera")
	serveCmd.Flags().String("static-dir", "./public", "Directory served as the player (falls back to the embedded player)")
	serveCmd.Flags().String("ffmpeg", "", "Path to the ffmpeg binary (default auto-detect)")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("broadcast.port", serveCmd.Flags().Lookup("broadcast-port"))
	mustBindPFlag("signaling.port", serveCmd.Flags().Lookup("signaling-port"))
	mustBindPFlag("camera.url", serveCmd.Flags().Lookup("camera-url"))
	mustBindPFlag("server.static_dir", serveCmd.Flags().Lookup("static-dir"))
	mustBindPFlag("ffmpeg.binary_path", serveCmd.Flags().Lookup("ffmpeg"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ffmpegPath, err := resolveFFmpeg(ctx, cfg, logger)
	if err != nil {
		return err
	}

	peers, err := peer.NewFactory(cfg, ffmpegPath, logger)
	if err != nil {
		return fmt.Errorf("creating peer factory: %w", err)
	}
	engine, err := relay.New(cfg, relay.DefaultCommands(ffmpegPath, cfg), peers.New, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	handlers.NewHealthHandler(version.Version).WithRelay(engine).Register(server.API())
	endpoints := handlers.NewEndpointsHandler(cfg)
	endpoints.Register(server.API())
	static := handlers.NewStaticHandler(cfg.Server.StaticDir, logger)
	server.Router().NotFound(static.ServeHTTP)

	// Every listener binds before any request is served so a port clash
	// aborts startup cleanly.
	if err := server.Listen(); err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		_ = server.Shutdown(context.Background())
		return fmt.Errorf("starting relay: %w", err)
	}
	endpoints.WithPorts(portOf(engine.BroadcastAddr()), portOf(engine.SignalingAddr()))

	logger.Info("starting camrelay",
		slog.String("version", version.Version),
		slog.String("camera_url", observability.RedactURL(cfg.Camera.URL)),
		slog.String("http_address", server.Addr().String()),
		slog.String("static_source", static.Source()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")
		return shutdown(cfg, engine, server, logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("camrelay stopped")
	return nil
}

// resolveFFmpeg locates the binary and logs what it can do. A failed probe
// is not fatal; a missing binary is.
func resolveFFmpeg(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	path, err := ffmpeg.FindBinary(cfg.FFmpeg.BinaryPath)
	if err != nil {
		return "", fmt.Errorf("locating ffmpeg: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	info, err := ffmpeg.ProbeVersion(probeCtx, path)
	if err != nil {
		observability.WithError(logger, err).Warn("could not probe ffmpeg version",
			slog.String("path", path),
		)
		return path, nil
	}

	logger.Info("using ffmpeg",
		slog.String("path", path),
		slog.String("version", info.Full),
	)
	if !info.HasLibVPX() {
		logger.Warn("ffmpeg was built without libvpx, real-time sessions will not receive video")
	}
	return path, nil
}

// shutdown stops the relay, then the HTTP server, then waits out the grace
// period so in-flight writes drain before the process exits.
func shutdown(cfg *config.Config, engine *relay.Engine, server *internalhttp.Server, logger *slog.Logger) error {
	ctx := context.Background()
	if cfg.Server.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down relay: %w", err))
	}
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if cfg.Shutdown.GracePeriod > 0 {
		logger.Debug("waiting for shutdown grace period", slog.Duration("grace_period", cfg.Shutdown.GracePeriod))
		time.Sleep(cfg.Shutdown.GracePeriod)
	}
	return errors.Join(errs...)
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
