package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType discriminates signaling messages.
type MessageType string

// Message types exchanged on the signaling socket.
const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeError        MessageType = "error"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser's RTCIceCandidateInit.
// An empty Candidate marks the end of remote gathering.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is the JSON envelope sent to the client.
type Message struct {
	Type      MessageType   `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// inbound accepts both `"sdp": "v=0..."` and `"sdp": {"type": "offer", "sdp": "v=0..."}`.
type inbound struct {
	Type      MessageType     `json:"type"`
	SDP       json.RawMessage `json:"sdp"`
	Candidate json.RawMessage `json:"candidate"`
}

// ParseMessage decodes and validates a client message. Every error wraps
// ErrMalformedMessage.
func ParseMessage(data []byte) (Message, error) {
	var raw inbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch raw.Type {
	case TypeOffer:
		sdp, err := parseOfferSDP(raw.SDP)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: TypeOffer, SDP: sdp}, nil

	case TypeICECandidate:
		if isAbsent(raw.Candidate) {
			return Message{}, fmt.Errorf("%w: ice-candidate without candidate", ErrMalformedMessage)
		}
		var c ICECandidate
		if err := json.Unmarshal(raw.Candidate, &c); err != nil {
			return Message{}, fmt.Errorf("%w: candidate: %w", ErrMalformedMessage, err)
		}
		return Message{Type: TypeICECandidate, Candidate: &c}, nil

	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)

	default:
		return Message{}, fmt.Errorf("%w: unexpected message type %q", ErrMalformedMessage, raw.Type)
	}
}

func parseOfferSDP(raw json.RawMessage) (string, error) {
	if isAbsent(raw) {
		return "", fmt.Errorf("%w: offer without sdp", ErrMalformedMessage)
	}

	var sdp string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &sdp); err != nil {
			return "", fmt.Errorf("%w: sdp: %w", ErrMalformedMessage, err)
		}
	} else {
		var desc SessionDescription
		if err := json.Unmarshal(raw, &desc); err != nil {
			return "", fmt.Errorf("%w: sdp: %w", ErrMalformedMessage, err)
		}
		if desc.Type != "" && desc.Type != string(TypeOffer) {
			return "", fmt.Errorf("%w: description type %q is not an offer", ErrMalformedMessage, desc.Type)
		}
		sdp = desc.SDP
	}

	if sdp == "" {
		return "", fmt.Errorf("%w: empty sdp", ErrMalformedMessage)
	}
	return sdp, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
