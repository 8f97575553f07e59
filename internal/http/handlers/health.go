// Package handlers provides the HTTP API handlers.
package handlers

import (
	"context"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/camrelay/internal/relay"
)

// StatusProvider reports the relay's current state.
type StatusProvider interface {
	Status() relay.Status
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	relay     StatusProvider
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithRelay sets the relay whose status is reported.
func (h *HealthHandler) WithRelay(p StatusProvider) *HealthHandler {
	h.relay = p
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status        string       `json:"status" example:"ok"`
	Message       string       `json:"message" example:"Server is running"`
	Version       string       `json:"version"`
	Timestamp     string       `json:"timestamp"`
	Uptime        string       `json:"uptime"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Relay         *RelayHealth `json:"relay,omitempty"`
	Memory        MemoryInfo   `json:"memory"`
}

// RelayHealth summarises the relay components.
type RelayHealth struct {
	BroadcastSubscribers int                          `json:"broadcast_subscribers"`
	SessionState         string                       `json:"session_state"`
	SessionID            string                       `json:"session_id,omitempty"`
	FramesSegmented      uint64                       `json:"frames_segmented"`
	FramesDelivered      uint64                       `json:"frames_delivered"`
	Processes            []ProcessHealth              `json:"processes"`
	Throughput           map[string]relay.MeterStatus `json:"throughput"`
}

// ProcessHealth is the state of one decode subprocess.
type ProcessHealth struct {
	Name     string  `json:"name"`
	Running  bool    `json:"running"`
	PID      int     `json:"pid,omitempty"`
	Restarts int     `json:"restarts"`
	CPU      float64 `json:"cpu_percent,omitempty"`
	MemoryMB float64 `json:"memory_mb,omitempty"`
}

// MemoryInfo is system and process-tree memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo is the memory of this process and its ffmpeg children.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	ChildProcessCount  int     `json:"child_process_count"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the relay and its decode processes",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "ok",
		Message:       "Server is running",
		Version:       h.version,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Memory:        h.getMemoryInfo(ctx),
	}

	if h.relay != nil {
		resp.Relay = relayHealth(h.relay.Status())
	}

	return &HealthOutput{Body: resp}, nil
}

func relayHealth(st relay.Status) *RelayHealth {
	rh := &RelayHealth{
		BroadcastSubscribers: st.Broadcast.Subscribers,
		SessionState:         st.Signaling.State.String(),
		SessionID:            st.Signaling.SessionID,
		FramesSegmented:      st.Segmenter.Frames,
		FramesDelivered:      st.Signaling.FramesDelivered,
		Processes:            make([]ProcessHealth, 0, len(st.Processes)),
		Throughput:           st.Throughput,
	}
	for _, p := range st.Processes {
		ph := ProcessHealth{
			Name:     p.Name,
			Running:  p.Running,
			PID:      p.PID,
			Restarts: p.Restarts,
		}
		if p.Process != nil {
			ph.CPU = p.Process.CPUPercent
			ph.MemoryMB = p.Process.MemoryRSSMB
		}
		rh.Processes = append(rh.Processes, ph)
	}
	return rh
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	info.ProcessMemory = h.getProcessMemoryInfo(ctx)
	return info
}

// getProcessMemoryInfo sums the RSS of this process and its children.
func (h *HealthHandler) getProcessMemoryInfo(ctx context.Context) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return info
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return info
	}
	info.ChildProcessCount = len(children)
	for _, child := range children {
		childMem, err := child.MemoryInfoWithContext(ctx)
		if err == nil && childMem != nil {
			childMB := float64(childMem.RSS) / 1024 / 1024
			info.ChildProcessesMB += childMB
			info.TotalProcessTreeMB += childMB
		}
	}

	return info
}
