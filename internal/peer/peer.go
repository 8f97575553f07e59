// Package peer implements the real-time WebRTC transport: a send-only VP8
// track fed from raw frames through an FFmpeg encoder.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/jmylchreest/camrelay/internal/config"
	"github.com/jmylchreest/camrelay/internal/ffmpeg"
	"github.com/jmylchreest/camrelay/internal/observability"
	"github.com/jmylchreest/camrelay/internal/segmenter"
	"github.com/jmylchreest/camrelay/internal/signaling"
)

const (
	trackID  = "camera"
	streamID = "camrelay"
)

// Factory creates peers sharing one pion API and encoder template.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	encoder    *ffmpeg.Command
	frameRate  int
	logger     *slog.Logger
}

// NewFactory builds the media engine and encoder template from cfg.
// ffmpegPath is the resolved FFmpeg binary.
func NewFactory(cfg *config.Config, ffmpegPath string, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("registering vp8 codec: %w", err)
	}

	return &Factory{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(me)),
		iceServers: ICEServers(cfg.WebRTC.ICEServers),
		encoder:    ffmpeg.VP8EncoderCommand(ffmpegPath, cfg),
		frameRate:  cfg.WebRTC.FrameRate,
		logger:     observability.WithComponent(logger, "peer"),
	}, nil
}

// ICEServers converts configured STUN/TURN servers to pion's form.
func ICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// New creates a peer with a VP8 track attached. It satisfies
// signaling.PeerFactory.
func (f *Factory) New() (signaling.PeerConnection, error) {
	return f.newPeer(NewEncoder(f.encoder, f.frameRate, f.logger))
}

func (f *Factory) newPeer(enc *Encoder) (*Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, trackID, streamID)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating video track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("adding video track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		pc:      pc,
		track:   track,
		encoder: enc,
		logger:  f.logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Drain RTCP so the sender's read buffer never fills.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(signaling.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	return p, nil
}

// Peer is one WebRTC peer connection with a send-only VP8 track.
type Peer struct {
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	encoder *Encoder
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	onState     func(signaling.PeerState)
	onCandidate func(signaling.ICECandidate)
	closed      bool
}

// Negotiate applies the remote offer and returns the local answer.
func (p *Peer) Negotiate(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return signaling.SessionDescription{}, errors.New("no local description after negotiation")
	}
	return signaling.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

// AddRemoteCandidate applies a trickled candidate from the client.
func (p *Peer) AddRemoteCandidate(_ context.Context, c signaling.ICECandidate) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}); err != nil {
		return fmt.Errorf("adding ice candidate: %w", err)
	}
	return nil
}

// FeedFrame queues frame for encoding. It never blocks.
func (p *Peer) FeedFrame(frame segmenter.Frame) {
	p.encoder.Feed(frame.Data)
}

// OnConnectionStateChange registers fn for connection state changes.
func (p *Peer) OnConnectionStateChange(fn func(signaling.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// OnICECandidate registers fn for locally gathered candidates.
func (p *Peer) OnICECandidate(fn func(signaling.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) handleConnectionState(s webrtc.PeerConnectionState) {
	state := mapState(s)
	p.logger.Debug("connection state", slog.String("state", s.String()))

	switch state {
	case signaling.PeerConnected:
		if err := p.encoder.Start(p.ctx, p.track.WriteSample); err != nil {
			observability.WithError(p.logger, err).Error("failed to start encoder")
		}
	case signaling.PeerFailed, signaling.PeerClosed:
		p.encoder.Stop()
	}

	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// Close stops the encoder and closes the peer connection. It is idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.encoder.Stop()
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}

// Stats returns the encoder counters for this peer.
func (p *Peer) Stats() EncoderStats {
	return p.encoder.Stats()
}

func mapState(s webrtc.PeerConnectionState) signaling.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return signaling.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return signaling.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return signaling.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return signaling.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return signaling.PeerClosed
	default:
		return signaling.PeerNew
	}
}
