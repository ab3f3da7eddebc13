package handlers

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/google/uuid"

	"github.com/retrovue/retrovue/internal/channelconfig"
	"github.com/retrovue/retrovue/internal/fanout"
	"github.com/retrovue/retrovue/internal/horizon"
	"github.com/retrovue/retrovue/internal/runtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel satisfies Channel with canned state. Attach goes through a
// real fanout when one is wired, so stream tests exercise the actual
// viewer queue path.
type fakeChannel struct {
	id          string
	stats       runtime.Stats
	fan         *fanout.Fanout
	attachErr   error
	playlist    string
	playlistErr error
	segments    map[string][]byte
}

func (c *fakeChannel) ID() string                  { return c.id }
func (c *fakeChannel) State() runtime.ChannelState { return c.stats.State }
func (c *fakeChannel) Stats() runtime.Stats        { return c.stats }

func (c *fakeChannel) Attach(remoteAddr, userAgent string) (*fanout.Viewer, error) {
	if c.attachErr != nil {
		return nil, c.attachErr
	}
	return c.fan.Attach(remoteAddr, userAgent)
}

func (c *fakeChannel) Detach(id uuid.UUID) {
	if c.fan != nil {
		c.fan.Detach(id)
	}
}

// WaitPlaylist blocks like the runtime does when no segment has
// finalized yet: an empty playlist waits out the caller's context.
func (c *fakeChannel) WaitPlaylist(ctx context.Context) (string, error) {
	if c.playlistErr != nil {
		return "", c.playlistErr
	}
	if c.playlist == "" {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return c.playlist, nil
}

func (c *fakeChannel) HLSSegment(name string) ([]byte, bool) {
	data, ok := c.segments[name]
	return data, ok
}

type fakeDirectory map[string]*fakeChannel

func (d fakeDirectory) Lookup(id string) (Channel, bool) {
	ch, ok := d[id]
	if !ok {
		return nil, false
	}
	return ch, true
}

func (d fakeDirectory) All() []Channel {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Channel, 0, len(ids))
	for _, id := range ids {
		out = append(out, d[id])
	}
	return out
}

type fakeLineup struct {
	defs []*channelconfig.Channel
}

func (l *fakeLineup) Channels() []*channelconfig.Channel { return l.defs }

func (l *fakeLineup) Get(id string) (*channelconfig.Channel, bool) {
	for _, def := range l.defs {
		if def.ID == id {
			return def, true
		}
	}
	return nil, false
}

type fakeHorizon struct {
	reports  map[string]horizon.HealthReport
	attempts map[string][]horizon.ExtensionAttempt
}

func (f *fakeHorizon) Report(channelID string) (horizon.HealthReport, bool) {
	report, ok := f.reports[channelID]
	return report, ok
}

func (f *fakeHorizon) Attempts(channelID string) []horizon.ExtensionAttempt {
	return f.attempts[channelID]
}

// lineupChannel builds a validated channel definition so Location()
// resolves the configured zone instead of falling back to UTC.
func lineupChannel(t *testing.T, id string, number int, name, tz string) *channelconfig.Channel {
	t.Helper()
	ch := &channelconfig.Channel{
		ID:          id,
		Number:      number,
		Name:        name,
		Format:      channelconfig.Format{Width: 1280, Height: 720, FPSNum: 30, FPSDen: 1, SampleRate: 48000, Channels: 2},
		GridMinutes: 30,
		Timezone:    tz,
		DSLPath:     id + ".dsl",
	}
	if err := ch.Validate(); err != nil {
		t.Fatalf("channel fixture %s: %v", id, err)
	}
	return ch
}
