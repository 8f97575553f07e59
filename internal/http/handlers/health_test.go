package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/camrelay/internal/broadcast"
	"github.com/jmylchreest/camrelay/internal/ffmpeg"
	"github.com/jmylchreest/camrelay/internal/relay"
	"github.com/jmylchreest/camrelay/internal/segmenter"
	"github.com/jmylchreest/camrelay/internal/signaling"
	"github.com/jmylchreest/camrelay/internal/supervisor"
)

type fakeRelay struct {
	status relay.Status
}

func (f fakeRelay) Status() relay.Status { return f.status }

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	require.NotNil(t, output)

	assert.Equal(t, "ok", output.Body.Status)
	assert.Equal(t, "Server is running", output.Body.Message)
	assert.Equal(t, "1.0.0", output.Body.Version)
	assert.Nil(t, output.Body.Relay)

	_, err = time.Parse(time.RFC3339, output.Body.Timestamp)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, output.Body.UptimeSeconds, 0.0)
}

func TestHealthHandler_WithRelay(t *testing.T) {
	status := relay.Status{
		StartedAt: time.Now(),
		Broadcast: broadcast.Status{Subscribers: 3},
		Signaling: signaling.Status{
			State:           signaling.StateConnected,
			SessionID:       "01J0000000000000000000000",
			FramesDelivered: 42,
		},
		Segmenter: segmenter.Status{Frames: 50},
		Processes: []supervisor.Status{
			{
				Name:     relay.BroadcastProcess,
				Running:  true,
				PID:      1234,
				Process:  &ffmpeg.ProcessStats{CPUPercent: 12.5, MemoryRSSMB: 48},
				Restarts: 0,
			},
			{Name: relay.RawProcess, Restarts: 2},
		},
		Throughput: map[string]relay.MeterStatus{
			relay.BroadcastProcess: {TotalBytes: 1000, BytesPerSecond: 100},
		},
	}

	handler := NewHealthHandler("1.0.0").WithRelay(fakeRelay{status: status})

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	require.NotNil(t, output.Body.Relay)

	rh := output.Body.Relay
	assert.Equal(t, 3, rh.BroadcastSubscribers)
	assert.Equal(t, signaling.StateConnected.String(), rh.SessionState)
	assert.Equal(t, "01J0000000000000000000000", rh.SessionID)
	assert.Equal(t, uint64(50), rh.FramesSegmented)
	assert.Equal(t, uint64(42), rh.FramesDelivered)
	assert.Equal(t, uint64(1000), rh.Throughput[relay.BroadcastProcess].TotalBytes)

	require.Len(t, rh.Processes, 2)
	assert.Equal(t, ProcessHealth{
		Name:     relay.BroadcastProcess,
		Running:  true,
		PID:      1234,
		CPU:      12.5,
		MemoryMB: 48,
	}, rh.Processes[0])
	assert.Equal(t, ProcessHealth{Name: relay.RawProcess, Restarts: 2}, rh.Processes[1])
}

func TestHealthHandler_ProcessMemory(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	info := handler.getProcessMemoryInfo(context.Background())
	assert.GreaterOrEqual(t, info.TotalProcessTreeMB, info.MainProcessMB)
	assert.GreaterOrEqual(t, info.ChildProcessCount, 0)
}
