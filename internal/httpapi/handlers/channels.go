package handlers

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/retrovue/retrovue/internal/horizon"
	"github.com/retrovue/retrovue/internal/runtime"
)

// HorizonSource serves horizon depth reports. The horizon manager
// satisfies it.
type HorizonSource interface {
	Report(channelID string) (horizon.HealthReport, bool)
	Attempts(channelID string) []horizon.ExtensionAttempt
}

// ChannelsHandler lists the station lineup and per-channel health.
type ChannelsHandler struct {
	dir     Directory
	lineup  Lineup
	horizon HorizonSource
}

// NewChannelsHandler builds the lineup handler. horizon may be nil when
// the manager is not running (compile-only deployments).
func NewChannelsHandler(dir Directory, lineup Lineup, horizon HorizonSource) *ChannelsHandler {
	return &ChannelsHandler{dir: dir, lineup: lineup, horizon: horizon}
}

// ChannelSummary is one lineup row.
type ChannelSummary struct {
	ChannelID     string `json:"channel_id"`
	ChannelNumber int    `json:"channel_number,omitempty"`
	Name          string `json:"name,omitempty"`
	State         string `json:"state"`
	Converged     bool   `json:"converged"`
	Viewers       int    `json:"viewers"`
	Format        string `json:"format,omitempty"`
	StreamURL     string `json:"stream_url"`
	HLSURL        string `json:"hls_url"`
}

// ChannelListResponse is the /channels body.
type ChannelListResponse struct {
	Channels []ChannelSummary `json:"channels"`
}

// ChannelHealthResponse joins the runtime snapshot with the horizon
// depth report.
type ChannelHealthResponse struct {
	ChannelID string                     `json:"channel_id"`
	Runtime   runtime.Stats              `json:"runtime"`
	Horizon   *horizon.HealthReport      `json:"horizon,omitempty"`
	Attempts  []horizon.ExtensionAttempt `json:"extension_attempts,omitempty"`
}

type ListChannelsInput struct{}

type ListChannelsOutput struct {
	Body ChannelListResponse
}

type ChannelHealthInput struct {
	ID string `path:"id" doc:"Channel ID"`
}

type ChannelHealthOutput struct {
	Body ChannelHealthResponse
}

// Register registers the lineup operations with the API.
func (h *ChannelsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      "GET",
		Path:        "/channels",
		Summary:     "List channels",
		Description: "Returns the station lineup with live playout state",
		Tags:        []string{"Channels"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getChannelHealth",
		Method:      "GET",
		Path:        "/api/channels/{id}/health",
		Summary:     "Channel health",
		Description: "Returns the playout snapshot and schedule horizon report for one channel",
		Tags:        []string{"Channels"},
	}, h.GetHealth)
}

// List merges the configured lineup with live runtime state. Configured
// channels appear even when idle; running channels dropped from the
// lineup appear without a number.
func (h *ChannelsHandler) List(ctx context.Context, _ *ListChannelsInput) (*ListChannelsOutput, error) {
	seen := make(map[string]bool)
	var rows []ChannelSummary

	for _, def := range h.lineup.Channels() {
		row := ChannelSummary{
			ChannelID:     def.ID,
			ChannelNumber: def.Number,
			Name:          def.Name,
			State:         string(runtime.StateIdle),
			Format:        def.Format.String(),
			StreamURL:     fmt.Sprintf("/channel/%s.ts", def.ID),
			HLSURL:        fmt.Sprintf("/hls/%s/live.m3u8", def.ID),
		}
		if ch, ok := h.dir.Lookup(def.ID); ok {
			stats := ch.Stats()
			row.State = string(stats.State)
			row.Converged = stats.Converged
			row.Viewers = stats.Viewers
		}
		seen[def.ID] = true
		rows = append(rows, row)
	}

	for _, ch := range h.dir.All() {
		if seen[ch.ID()] {
			continue
		}
		stats := ch.Stats()
		rows = append(rows, ChannelSummary{
			ChannelID: ch.ID(),
			State:     string(stats.State),
			Converged: stats.Converged,
			Viewers:   stats.Viewers,
			StreamURL: fmt.Sprintf("/channel/%s.ts", ch.ID()),
			HLSURL:    fmt.Sprintf("/hls/%s/live.m3u8", ch.ID()),
		})
	}

	return &ListChannelsOutput{Body: ChannelListResponse{Channels: rows}}, nil
}

// GetHealth returns the combined runtime and horizon view of a channel.
func (h *ChannelsHandler) GetHealth(ctx context.Context, input *ChannelHealthInput) (*ChannelHealthOutput, error) {
	ch, ok := h.dir.Lookup(input.ID)
	if !ok {
		if _, configured := h.lineup.Get(input.ID); !configured {
			return nil, huma.Error404NotFound(fmt.Sprintf("unknown channel %q", input.ID))
		}
	}

	resp := ChannelHealthResponse{ChannelID: input.ID}
	if ch != nil {
		resp.Runtime = ch.Stats()
	} else {
		resp.Runtime = runtime.Stats{ChannelID: input.ID, State: runtime.StateIdle}
	}
	if h.horizon != nil {
		if report, ok := h.horizon.Report(input.ID); ok {
			resp.Horizon = &report
		}
		resp.Attempts = h.horizon.Attempts(input.ID)
	}

	return &ChannelHealthOutput{Body: resp}, nil
}
