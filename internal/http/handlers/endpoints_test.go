package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/camrelay/internal/config"
)

func TestEndpointsHandler_GetEndpoints(t *testing.T) {
	cfg := &config.Config{
		Broadcast: config.BroadcastConfig{Port: 9999},
		Signaling: config.SignalingConfig{Port: 8081},
		WebRTC: config.WebRTCConfig{ICEServers: []config.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "user", Credential: "secret"},
		}},
	}

	output, err := NewEndpointsHandler(cfg).GetEndpoints(context.Background(), &struct{}{})
	require.NoError(t, err)

	assert.Equal(t, 9999, output.Body.BroadcastPort)
	assert.Equal(t, 8081, output.Body.SignalingPort)
	require.Len(t, output.Body.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, output.Body.ICEServers[0].URLs)
	assert.Equal(t, "user", output.Body.ICEServers[1].Username)
	assert.Equal(t, "secret", output.Body.ICEServers[1].Credential)
}

func TestEndpointsHandler_WithPorts(t *testing.T) {
	cfg := &config.Config{
		Broadcast: config.BroadcastConfig{Port: 9999},
		Signaling: config.SignalingConfig{Port: 8081},
	}

	output, err := NewEndpointsHandler(cfg).WithPorts(40001, 40002).GetEndpoints(context.Background(), &struct{}{})
	require.NoError(t, err)

	assert.Equal(t, 40001, output.Body.BroadcastPort)
	assert.Equal(t, 40002, output.Body.SignalingPort)
	assert.NotNil(t, output.Body.ICEServers)
	assert.Empty(t, output.Body.ICEServers)
}
