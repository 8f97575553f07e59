package peer

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/camrelay/internal/config"
	"github.com/jmylchreest/camrelay/internal/signaling"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	cfg := &config.Config{
		WebRTC: config.WebRTCConfig{Width: 640, Height: 480, FrameRate: 30, Bitrate: "1000k"},
		FFmpeg: config.FFmpegConfig{LogLevel: "error"},
	}
	f, err := NewFactory(cfg, "/bin/cat", nil)
	require.NoError(t, err)
	return f
}

// browserOffer creates a receive-only offer the way a viewer page does.
func browserOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return pc, offer.SDP
}

func TestPeer_NegotiateProducesVP8Answer(t *testing.T) {
	p, err := testFactory(t).New()
	require.NoError(t, err)
	defer p.Close()

	browser, offer := browserOffer(t)

	answer, err := p.Negotiate(context.Background(), signaling.SessionDescription{Type: "offer", SDP: offer})
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.Contains(t, answer.SDP, "VP8/90000")
	assert.Contains(t, answer.SDP, "a=sendonly")

	require.NoError(t, browser.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}))
}

func TestPeer_NegotiateRejectsGarbage(t *testing.T) {
	p, err := testFactory(t).New()
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Negotiate(context.Background(), signaling.SessionDescription{Type: "offer", SDP: "not sdp"})
	require.Error(t, err)
}

func TestPeer_NegotiateHonoursCancelledContext(t *testing.T) {
	p, err := testFactory(t).New()
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Negotiate(ctx, signaling.SessionDescription{Type: "offer", SDP: "v=0"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPeer_CloseIsIdempotent(t *testing.T) {
	p, err := testFactory(t).New()
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestICEServers(t *testing.T) {
	got := ICEServers([]config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "p"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, got[0].URLs)
	assert.Equal(t, "u", got[1].Username)
	assert.Equal(t, "p", got[1].Credential)
}

func TestMapState(t *testing.T) {
	tests := map[webrtc.PeerConnectionState]signaling.PeerState{
		webrtc.PeerConnectionStateNew:          signaling.PeerNew,
		webrtc.PeerConnectionStateConnecting:   signaling.PeerConnecting,
		webrtc.PeerConnectionStateConnected:    signaling.PeerConnected,
		webrtc.PeerConnectionStateDisconnected: signaling.PeerDisconnected,
		webrtc.PeerConnectionStateFailed:       signaling.PeerFailed,
		webrtc.PeerConnectionStateClosed:       signaling.PeerClosed,
	}
	for in, want := range tests {
		assert.Equal(t, want, mapState(in), in.String())
	}
}
