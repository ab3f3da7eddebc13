package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/retrovue/retrovue/internal/channelconfig"
	"github.com/retrovue/retrovue/internal/clock"
	"github.com/retrovue/retrovue/internal/dsl"
	"github.com/retrovue/retrovue/internal/schedule"
)

// Guide recompiles broadcast days for guide output. The schedule service
// satisfies it.
type Guide interface {
	GuideDay(ctx context.Context, channelID, day string) (*dsl.CompiledDay, error)
}

// EPGHandler renders the programme guide. Guide data is recompiled on
// request rather than read from the execution window, so the guide covers
// any day the DSL covers, not just the scheduled horizon.
type EPGHandler struct {
	guide        Guide
	lineup       Lineup
	clk          clock.Clock
	dayStartHour int
}

// NewEPGHandler builds the guide handler.
func NewEPGHandler(guide Guide, lineup Lineup, clk clock.Clock, dayStartHour int) *EPGHandler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if dayStartHour <= 0 {
		dayStartHour = 6
	}
	return &EPGHandler{guide: guide, lineup: lineup, clk: clk, dayStartHour: dayStartHour}
}

// EPGEntry is one guide row. A channel whose day failed to compile gets
// a single row carrying only the error.
type EPGEntry struct {
	ChannelID       string `json:"channel_id"`
	ChannelName     string `json:"channel_name"`
	StartTime       string `json:"start_time,omitempty"`
	EndTime         string `json:"end_time,omitempty"`
	Title           string `json:"title,omitempty"`
	Season          *int   `json:"season,omitempty"`
	Episode         *int   `json:"episode,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	SlotMinutes     int    `json:"slot_minutes,omitempty"`
	Error           string `json:"error,omitempty"`
}

// EPGResponse is the guide body.
type EPGResponse struct {
	BroadcastDay string     `json:"broadcast_day"`
	Entries      []EPGEntry `json:"entries"`
}

type EPGInput struct {
	Date    string `query:"date" doc:"Broadcast day (YYYY-MM-DD). Defaults to the current broadcast day."`
	Channel string `query:"channel" doc:"Limit the guide to one channel ID."`
}

type EPGOutput struct {
	Body EPGResponse
}

// Register registers the guide operation with the API.
func (h *EPGHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getEPG",
		Method:      "GET",
		Path:        "/api/epg",
		Summary:     "Programme guide",
		Description: "Returns the compiled guide for a broadcast day",
		Tags:        []string{"Guide"},
	}, h.GetEPG)
}

// GetEPG compiles and renders the guide for the requested day.
func (h *EPGHandler) GetEPG(ctx context.Context, input *EPGInput) (*EPGOutput, error) {
	if input.Date != "" {
		if _, err := dsl.ParseDay(input.Date); err != nil {
			return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("invalid date %q: expected YYYY-MM-DD", input.Date))
		}
	}

	channels := h.lineup.Channels()
	if input.Channel != "" {
		def, ok := h.lineup.Get(input.Channel)
		if !ok {
			return nil, huma.Error404NotFound(fmt.Sprintf("unknown channel %q", input.Channel))
		}
		channels = []*channelconfig.Channel{def}
	}

	resp := EPGResponse{BroadcastDay: input.Date, Entries: []EPGEntry{}}
	now := h.clk.Now()

	for _, def := range channels {
		day := input.Date
		if day == "" {
			// The default day is channel-local: stations in different
			// zones can be on different broadcast days at one instant.
			day = dsl.FormatDay(schedule.BroadcastDay(now, def.Location(), h.dayStartHour))
			if resp.BroadcastDay == "" {
				resp.BroadcastDay = day
			}
		}

		compiled, err := h.guide.GuideDay(ctx, def.ID, day)
		if err != nil {
			resp.Entries = append(resp.Entries, EPGEntry{
				ChannelID:   def.ID,
				ChannelName: def.Name,
				Error:       err.Error(),
			})
			continue
		}
		for i := range compiled.Blocks {
			b := &compiled.Blocks[i]
			resp.Entries = append(resp.Entries, EPGEntry{
				ChannelID:       def.ID,
				ChannelName:     def.Name,
				StartTime:       b.StartAt.UTC().Format(time.RFC3339),
				EndTime:         b.EndAt().UTC().Format(time.RFC3339),
				Title:           b.Title,
				Season:          b.Season,
				Episode:         b.Episode,
				DurationMinutes: (b.EpisodeDurationSec + 59) / 60,
				SlotMinutes:     b.SlotDurationSec / 60,
			})
		}
	}

	return &EPGOutput{Body: resp}, nil
}
