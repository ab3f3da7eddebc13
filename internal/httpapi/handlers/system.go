package handlers

import (
	"context"
	"os"
	goruntime "runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemHandler serves process and host status.
type SystemHandler struct {
	version   string
	startTime time.Time
	dir       Directory
}

// NewSystemHandler builds the status handler.
func NewSystemHandler(version string, dir Directory) *SystemHandler {
	return &SystemHandler{version: version, startTime: time.Now(), dir: dir}
}

// CPUInfo reports host load.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo reports host and process memory.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessRSSMB      float64 `json:"process_rss_mb"`
	ProcessPercent    float64 `json:"process_percent"`
}

// ChannelLoad is one channel's delivery load.
type ChannelLoad struct {
	ChannelID string `json:"channel_id"`
	State     string `json:"state"`
	Viewers   int    `json:"viewers"`
	BytesIn   uint64 `json:"bytes_in"`
}

// SystemStatusResponse is the /api/status body.
type SystemStatusResponse struct {
	Version       string        `json:"version"`
	Timestamp     string        `json:"timestamp"`
	Uptime        string        `json:"uptime"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Goroutines    int           `json:"goroutines"`
	CPU           CPUInfo       `json:"cpu"`
	Memory        MemoryInfo    `json:"memory"`
	TotalViewers  int           `json:"total_viewers"`
	Channels      []ChannelLoad `json:"channels"`
}

type SystemStatusInput struct{}

type SystemStatusOutput struct {
	Body SystemStatusResponse
}

// Register registers the status route with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSystemStatus",
		Method:      "GET",
		Path:        "/api/status",
		Summary:     "System status",
		Description: "Returns process load, memory and per-channel delivery counters",
		Tags:        []string{"System"},
	}, h.GetStatus)
}

// GetStatus snapshots the process and every channel's delivery load.
func (h *SystemHandler) GetStatus(ctx context.Context, _ *SystemStatusInput) (*SystemStatusOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := SystemStatusResponse{
		Version:       h.version,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Goroutines:    goruntime.NumGoroutine(),
		CPU:           hostCPU(),
		Memory:        hostMemory(),
		Channels:      []ChannelLoad{},
	}

	for _, ch := range h.dir.All() {
		stats := ch.Stats()
		resp.Channels = append(resp.Channels, ChannelLoad{
			ChannelID: stats.ChannelID,
			State:     string(stats.State),
			Viewers:   stats.Viewers,
			BytesIn:   stats.BytesIn,
		})
		resp.TotalViewers += stats.Viewers
	}

	return &SystemStatusOutput{Body: resp}, nil
}

func hostCPU() CPUInfo {
	info := CPUInfo{Cores: goruntime.NumCPU()}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(info.Cores)) * 100
		}
	}
	return info
}

func hostMemory() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil {
		info.ProcessRSSMB = float64(memInfo.RSS) / 1024 / 1024
		if info.TotalMemoryMB > 0 {
			info.ProcessPercent = (info.ProcessRSSMB / info.TotalMemoryMB) * 100
		}
	}
	return info
}
