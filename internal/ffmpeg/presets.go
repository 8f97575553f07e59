package ffmpeg

import (
	"strconv"

	"github.com/jmylchreest/camrelay/internal/config"
)

// stdoutTarget sends muxed output to the supervising process.
const stdoutTarget = "-"

// BroadcastCommand transcodes the camera into an MPEG-TS stream carrying
// MPEG-1 video and MP2 audio, the format browser-side JSMpeg decoders accept.
func BroadcastCommand(binary string, cfg *config.Config) *Command {
	b := cfg.Broadcast
	return NewCommandBuilder(binary).
		LogLevel(cfg.FFmpeg.LogLevel).
		HideBanner().
		NoStdin().
		RTSPTransport(cfg.Camera.RTSPTransport).
		Input(cfg.Camera.URL).
		Format("mpegts").
		VideoCodec("mpeg1video").
		Size(b.Width, b.Height).
		VideoBitrate(b.VideoBitrate).
		OutputArgs("-bf", "0").
		FrameRate(b.FrameRate).
		AudioCodec("mp2").
		AudioSampleRate(b.AudioSampleRate).
		AudioChannels(b.AudioChannels).
		AudioBitrate(b.AudioBitrate).
		MuxDelay(b.MuxDelay).
		Output(stdoutTarget).
		Build()
}

// RawVideoCommand decodes the camera into planar yuv420p frames scaled to the
// peer path's dimensions.
func RawVideoCommand(binary string, cfg *config.Config) *Command {
	w := cfg.WebRTC
	return NewCommandBuilder(binary).
		LogLevel(cfg.FFmpeg.LogLevel).
		HideBanner().
		NoStdin().
		RTSPTransport(cfg.Camera.RTSPTransport).
		Input(cfg.Camera.URL).
		NoAudio().
		Format("rawvideo").
		PixelFormat("yuv420p").
		Size(w.Width, w.Height).
		FrameRate(w.FrameRate).
		Output(stdoutTarget).
		Build()
}

// VP8EncoderCommand encodes yuv420p frames written to stdin into VP8 and
// writes an IVF stream to stdout. Keyframes are forced once per second so a
// late-joining decoder recovers quickly.
func VP8EncoderCommand(binary string, cfg *config.Config) *Command {
	w := cfg.WebRTC
	size := strconv.Itoa(w.Width) + "x" + strconv.Itoa(w.Height)
	return NewCommandBuilder(binary).
		LogLevel(cfg.FFmpeg.LogLevel).
		HideBanner().
		InputArgs(
			"-f", "rawvideo",
			"-pix_fmt", "yuv420p",
			"-s", size,
			"-r", strconv.Itoa(w.FrameRate),
		).
		InputFromStdin().
		VideoCodec("libvpx").
		VideoBitrate(w.Bitrate).
		OutputArgs(
			"-deadline", "realtime",
			"-cpu-used", "8",
			"-lag-in-frames", "0",
			"-auto-alt-ref", "0",
			"-error-resilient", "1",
			"-g", strconv.Itoa(w.FrameRate),
		).
		NoAudio().
		Format("ivf").
		Output("pipe:1").
		Build()
}
