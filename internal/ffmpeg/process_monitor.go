package ffmpeg

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for an FFmpeg process.
type ProcessStats struct {
	PID int `json:"pid"`

	CPUPercent     float64 `json:"cpu_percent"` // per core, so may exceed 100
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	MemoryRSSMB    float64 `json:"memory_rss_mb"`
	MemoryPercent  float32 `json:"memory_percent"`

	// Bytes read from the process's stdout (tracked via CountingReader)
	BytesRead    uint64  `json:"bytes_read"`
	ReadRateKbps float64 `json:"read_rate_kbps"`

	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	LastUpdated time.Time     `json:"last_updated"`
}

// ProcessMonitor periodically samples resource usage of an FFmpeg process.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration

	mu      sync.RWMutex
	stats   ProcessStats
	running bool
	proc    *process.Process

	lastBytesRead  uint64
	lastBytesCheck time.Time

	bytesRead atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a new process monitor.
func NewProcessMonitor(pid int) *ProcessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessMonitor{
		pid:       pid,
		startedAt: time.Now(),
		interval:  time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins monitoring the process.
func (pm *ProcessMonitor) Start() {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	pm.lastBytesCheck = time.Now()
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.monitorLoop()
}

// Stop stops monitoring the process. It is safe to call more than once.
func (pm *ProcessMonitor) Stop() {
	pm.cancel()
	pm.wg.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.mu.Unlock()
}

// Stats returns the current process statistics.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := pm.stats
	stats.PID = pm.pid
	stats.StartedAt = pm.startedAt
	stats.BytesRead = pm.bytesRead.Load()
	return stats
}

// AddBytesRead adds to the bytes read counter.
func (pm *ProcessMonitor) AddBytesRead(n uint64) {
	pm.bytesRead.Add(n)
}

// SetInterval sets the sampling interval. It must be called before Start.
func (pm *ProcessMonitor) SetInterval(d time.Duration) {
	pm.mu.Lock()
	pm.interval = d
	pm.mu.Unlock()
}

func (pm *ProcessMonitor) monitorLoop() {
	defer pm.wg.Done()

	pm.mu.RLock()
	interval := pm.interval
	pm.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.sample()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.sample()
		}
	}
}

// sample takes a snapshot of process statistics.
func (pm *ProcessMonitor) sample() {
	now := time.Now()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.stats.Duration = now.Sub(pm.startedAt)
	pm.stats.LastUpdated = now
	pm.sampleProcess()
	pm.calculateReadRate(now)
}

func (pm *ProcessMonitor) sampleProcess() {
	if pm.proc == nil {
		proc, err := process.NewProcessWithContext(pm.ctx, int32(pm.pid)) //nolint:gosec // pids fit in int32
		if err != nil {
			return // process may have exited
		}
		pm.proc = proc
	}

	// Percent with a zero interval measures against the previous call.
	if cpu, err := pm.proc.PercentWithContext(pm.ctx, 0); err == nil {
		pm.stats.CPUPercent = cpu
	}
	if mem, err := pm.proc.MemoryInfoWithContext(pm.ctx); err == nil {
		pm.stats.MemoryRSSBytes = mem.RSS
		pm.stats.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	if pct, err := pm.proc.MemoryPercentWithContext(pm.ctx); err == nil {
		pm.stats.MemoryPercent = pct
	}
}

func (pm *ProcessMonitor) calculateReadRate(now time.Time) {
	current := pm.bytesRead.Load()
	elapsed := now.Sub(pm.lastBytesCheck)
	if elapsed > 0 {
		pm.stats.ReadRateKbps = float64(current-pm.lastBytesRead) * 8 / 1000 / elapsed.Seconds()
	}
	pm.lastBytesRead = current
	pm.lastBytesCheck = now
}

// CountingReader wraps an io.Reader and reports bytes read to a monitor.
type CountingReader struct {
	r       io.Reader
	monitor *ProcessMonitor
}

// NewCountingReader creates a reader that counts bytes and reports to monitor.
func NewCountingReader(r io.Reader, monitor *ProcessMonitor) *CountingReader {
	return &CountingReader{r: r, monitor: monitor}
}

// Read implements io.Reader and tracks bytes read.
func (cr *CountingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 && cr.monitor != nil {
		cr.monitor.AddBytesRead(uint64(n))
	}
	return n, err
}
