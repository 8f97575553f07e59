package ffmpeg

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/camrelay/internal/config"
)

// skipIfNoShell skips the test if /bin/sh is unavailable.
func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755)) //nolint:gosec // test fixture
	return path
}

func testConfig() *config.Config {
	return &config.Config{
		Camera: config.CameraConfig{URL: "rtsp://cam.local/stream", RTSPTransport: "tcp"},
		Broadcast: config.BroadcastConfig{
			Width:           1920,
			Height:          1080,
			FrameRate:       30,
			VideoBitrate:    "2000k",
			AudioBitrate:    "128k",
			AudioSampleRate: 44100,
			AudioChannels:   1,
			MuxDelay:        "0.001",
		},
		WebRTC: config.WebRTCConfig{
			Width:     1280,
			Height:    720,
			FrameRate: 30,
			Bitrate:   "1500k",
		},
		FFmpeg: config.FFmpegConfig{LogLevel: "error"},
	}
}

func TestCommandBuilder_Build(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		LogLevel("warning").
		HideBanner().
		Input("input.ts").
		VideoCodec("copy").
		AudioCodec("aac").
		Format("mpegts").
		Output("-").
		Build()

	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	assert.Equal(t, []string{
		"-loglevel", "warning",
		"-hide_banner",
		"-i", "input.ts",
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "mpegts",
		"-",
	}, cmd.Args)
	assert.False(t, cmd.PipeStdin)
}

func TestCommandBuilder_String(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").Input("in").Output("out").Build()
	assert.Equal(t, "ffmpeg -loglevel error -i in out", cmd.String())
}

func TestCommandBuilder_EmptyValuesSkipped(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").
		LogLevel("").
		RTSPTransport("").
		VideoBitrate("").
		AudioBitrate("").
		MuxDelay("").
		Input("in").
		Output("out").
		Build()

	assert.Equal(t, []string{"-loglevel", "error", "-i", "in", "out"}, cmd.Args)
}

func TestCommandBuilder_InputFromStdin(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").
		InputArgs("-f", "rawvideo").
		InputFromStdin().
		Output("pipe:1").
		Build()

	assert.True(t, cmd.PipeStdin)
	assert.Equal(t, []string{"-loglevel", "error", "-f", "rawvideo", "-i", "pipe:0", "pipe:1"}, cmd.Args)
}

func TestBroadcastCommand(t *testing.T) {
	cmd := BroadcastCommand("ffmpeg", testConfig())

	assert.Equal(t, []string{
		"-loglevel", "error",
		"-hide_banner",
		"-nostdin",
		"-rtsp_transport", "tcp",
		"-i", "rtsp://cam.local/stream",
		"-f", "mpegts",
		"-c:v", "mpeg1video",
		"-s", "1920x1080",
		"-b:v", "2000k",
		"-bf", "0",
		"-r", "30",
		"-c:a", "mp2",
		"-ar", "44100",
		"-ac", "1",
		"-b:a", "128k",
		"-muxdelay", "0.001",
		"-",
	}, cmd.Args)
}

func TestRawVideoCommand(t *testing.T) {
	cmd := RawVideoCommand("ffmpeg", testConfig())

	assert.Equal(t, []string{
		"-loglevel", "error",
		"-hide_banner",
		"-nostdin",
		"-rtsp_transport", "tcp",
		"-i", "rtsp://cam.local/stream",
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", "1280x720",
		"-r", "30",
		"-",
	}, cmd.Args)
}

func TestVP8EncoderCommand(t *testing.T) {
	cmd := VP8EncoderCommand("ffmpeg", testConfig())
	joined := strings.Join(cmd.Args, " ")

	assert.True(t, cmd.PipeStdin)
	assert.Contains(t, joined, "-f rawvideo -pix_fmt yuv420p -s 1280x720 -r 30 -i pipe:0")
	assert.Contains(t, joined, "-c:v libvpx -b:v 1500k -deadline realtime")
	assert.Contains(t, joined, "-g 30")
	assert.True(t, strings.HasSuffix(joined, "-an -f ivf pipe:1"))
	assert.NotContains(t, cmd.Args, "-nostdin")
}

func TestCommand_Clone(t *testing.T) {
	original := NewCommandBuilder("ffmpeg").InputFromStdin().Output("out").Build()
	clone := original.Clone()

	assert.Equal(t, original.Binary, clone.Binary)
	assert.Equal(t, original.Args, clone.Args)
	assert.Equal(t, original.PipeStdin, clone.PipeStdin)

	clone.Args[0] = "-modified"
	assert.NotEqual(t, original.Args[0], clone.Args[0])
}

func TestCommand_NotStarted(t *testing.T) {
	cmd := &Command{Binary: "ffmpeg"}

	assert.False(t, cmd.IsRunning())
	assert.Zero(t, cmd.PID())
	assert.Zero(t, cmd.Duration())
	assert.Nil(t, cmd.ProcessStats())
	assert.NoError(t, cmd.Signal(os.Interrupt))
	assert.ErrorIs(t, cmd.Wait(), ErrNotStarted)
}

func TestCommand_StartMissingBinary(t *testing.T) {
	cmd := &Command{Binary: filepath.Join(t.TempDir(), "missing")}

	_, err := cmd.Start(context.Background())
	require.Error(t, err)
	assert.False(t, cmd.IsRunning())
}

func TestCommand_StartAndWait(t *testing.T) {
	skipIfNoShell(t)

	cmd := &Command{Binary: "/bin/sh", Args: []string{"-c", "printf frame; echo oops >&2; echo 'an error line' >&2"}}
	pipes, err := cmd.Start(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pipes.Stdin)
	assert.True(t, cmd.IsRunning())
	assert.NotZero(t, cmd.PID())

	var seen []string
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		cmd.CaptureStderr(pipes.Stderr, func(line string) { seen = append(seen, line) })
	}()

	out, err := io.ReadAll(NewCountingReader(pipes.Stdout, cmd.Monitor()))
	require.NoError(t, err)
	<-stderrDone

	require.NoError(t, cmd.Wait())
	assert.False(t, cmd.IsRunning())
	assert.Equal(t, "frame", string(out))
	assert.Equal(t, []string{"oops", "an error line"}, seen)
	assert.Equal(t, seen, cmd.StderrLines())
	assert.Equal(t, uint64(5), cmd.ProcessStats().BytesRead)

	_, err = cmd.Start(context.Background())
	assert.Error(t, err, "a command runs at most once")
}

func TestCommand_StdinPipe(t *testing.T) {
	skipIfNoShell(t)

	cmd := &Command{Binary: "/bin/sh", Args: []string{"-c", "cat"}, PipeStdin: true}
	pipes, err := cmd.Start(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pipes.Stdin)

	go func() {
		_, _ = pipes.Stdin.Write([]byte("raw"))
		_ = pipes.Stdin.Close()
	}()
	go func() { _, _ = io.Copy(io.Discard, pipes.Stderr) }()

	out, err := io.ReadAll(pipes.Stdout)
	require.NoError(t, err)
	require.NoError(t, cmd.Wait())
	assert.Equal(t, "raw", string(out))
}

func TestCommand_ContextCancelInterrupts(t *testing.T) {
	skipIfNoShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := &Command{Binary: "/bin/sh", Args: []string{"-c", "exec sleep 30"}}
	pipes, err := cmd.Start(ctx)
	require.NoError(t, err)

	go func() { _, _ = io.Copy(io.Discard, pipes.Stderr) }()
	go func() { _, _ = io.Copy(io.Discard, pipes.Stdout) }()

	cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(killGrace + 2*time.Second):
		t.Fatal("process did not exit after cancellation")
	}
	assert.False(t, cmd.IsRunning())
}

func TestCommand_StderrRingIsBounded(t *testing.T) {
	cmd := &Command{}
	var input strings.Builder
	for i := 0; i < maxStderrLines+20; i++ {
		input.WriteString("line ")
		input.WriteString(string(rune('a' + i%26)))
		input.WriteString("\n")
	}

	cmd.CaptureStderr(strings.NewReader(input.String()), nil)

	lines := cmd.StderrLines()
	assert.Len(t, lines, maxStderrLines)
	assert.Equal(t, "line u", lines[0]) // first 20 lines were evicted
}

func TestProcessMonitor_SelfSample(t *testing.T) {
	pm := NewProcessMonitor(os.Getpid())
	pm.SetInterval(10 * time.Millisecond)
	pm.Start()
	pm.AddBytesRead(1024)

	require.Eventually(t, func() bool {
		return pm.Stats().MemoryRSSBytes > 0
	}, 2*time.Second, 10*time.Millisecond)

	pm.Stop()
	pm.Stop()

	stats := pm.Stats()
	assert.Equal(t, os.Getpid(), stats.PID)
	assert.Equal(t, uint64(1024), stats.BytesRead)
	assert.Positive(t, stats.MemoryRSSMB)
	assert.False(t, stats.StartedAt.IsZero())
}

func TestFindBinary(t *testing.T) {
	t.Run("configured path", func(t *testing.T) {
		path := writeExecutable(t, t.TempDir(), "ffmpeg-custom")
		got, err := FindBinary(path)
		require.NoError(t, err)
		assert.Equal(t, path, got)
	})

	t.Run("configured path not executable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ffmpeg")
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
		_, err := FindBinary(path)
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("environment variable", func(t *testing.T) {
		path := writeExecutable(t, t.TempDir(), "ffmpeg-env")
		t.Setenv(EnvBinary, path)
		got, err := FindBinary("")
		require.NoError(t, err)
		assert.Equal(t, path, got)
	})

	t.Run("search path", func(t *testing.T) {
		dir := t.TempDir()
		path := writeExecutable(t, dir, "ffmpeg")
		t.Setenv(EnvBinary, "")
		t.Setenv("PATH", dir)
		got, err := FindBinary("")
		require.NoError(t, err)
		assert.Equal(t, path, got)
	})

	t.Run("not found", func(t *testing.T) {
		t.Setenv(EnvBinary, "")
		t.Setenv("PATH", t.TempDir())
		_, err := FindBinary("")
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})
}

func TestParseVersionOutput(t *testing.T) {
	output := `ffmpeg version n6.1.1-3-gdeadbeef Copyright (c) 2000-2023 the FFmpeg developers
built with gcc 13.2.1 (GCC) 20230801
configuration: --prefix=/usr --enable-gpl --enable-libvpx --enable-libx264
libavutil      58. 29.100 / 58. 29.100`

	info, err := parseVersionOutput(output)
	require.NoError(t, err)
	assert.Equal(t, "n6.1.1-3-gdeadbeef", info.Full)
	assert.Equal(t, 6, info.Major)
	assert.Equal(t, 1, info.Minor)
	assert.Equal(t, "gcc 13.2.1 (GCC) 20230801", info.BuildInfo)
	assert.True(t, info.HasLibVPX())

	_, err = parseVersionOutput("not ffmpeg")
	assert.Error(t, err)
}

func TestIntegration_ProbeVersion(t *testing.T) {
	path, err := FindBinary("")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}

	info, err := ProbeVersion(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, info.Path)
	assert.NotEmpty(t, info.Full)
}
