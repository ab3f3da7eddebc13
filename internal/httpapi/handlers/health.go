package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/retrovue/retrovue/internal/runtime"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	dir       Directory
	lineup    Lineup
}

// NewHealthHandler builds the health handler.
func NewHealthHandler(version string, dir Directory, lineup Lineup) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		dir:       dir,
		lineup:    lineup,
	}
}

// ChannelCounts summarizes the lineup by playout state.
type ChannelCounts struct {
	Configured int `json:"configured"`
	Running    int `json:"running"`
	Converged  int `json:"converged"`
	Failed     int `json:"failed"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string        `json:"status"`
	Timestamp     string        `json:"timestamp"`
	Version       string        `json:"version"`
	Uptime        string        `json:"uptime"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Channels      ChannelCounts `json:"channels"`
}

type HealthInput struct{}

type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health and a lineup summary",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth reports healthy while no channel sits in FAILED.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	counts := ChannelCounts{Configured: len(h.lineup.Channels())}
	for _, ch := range h.dir.All() {
		stats := ch.Stats()
		switch stats.State {
		case runtime.StateRunning:
			counts.Running++
		case runtime.StateFailed:
			counts.Failed++
		}
		if stats.Converged {
			counts.Converged++
		}
	}

	status := "healthy"
	if counts.Failed > 0 {
		status = "degraded"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			Channels:      counts,
		},
	}, nil
}
