// Package handlers provides the HTTP handlers for the retrovue API and
// streaming surface.
package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/retrovue/retrovue/internal/channelconfig"
	"github.com/retrovue/retrovue/internal/fanout"
	"github.com/retrovue/retrovue/internal/runtime"
)

// Channel is what the HTTP surface needs from a playout channel. The
// runtime channel satisfies it.
type Channel interface {
	ID() string
	State() runtime.ChannelState
	Stats() runtime.Stats
	Attach(remoteAddr, userAgent string) (*fanout.Viewer, error)
	Detach(id uuid.UUID)
	WaitPlaylist(ctx context.Context) (string, error)
	HLSSegment(name string) ([]byte, bool)
}

// Directory resolves running channels by ID.
type Directory interface {
	Lookup(id string) (Channel, bool)
	All() []Channel
}

// Lineup serves the configured channel definitions. The channelconfig
// provider satisfies it.
type Lineup interface {
	Channels() []*channelconfig.Channel
	Get(id string) (*channelconfig.Channel, bool)
}

type registryDirectory struct {
	reg *runtime.Registry
}

// NewRegistryDirectory adapts the runtime registry to the Directory the
// handlers consume.
func NewRegistryDirectory(reg *runtime.Registry) Directory {
	return registryDirectory{reg: reg}
}

func (d registryDirectory) Lookup(id string) (Channel, bool) {
	ch, ok := d.reg.Get(id)
	if !ok {
		return nil, false
	}
	return ch, true
}

func (d registryDirectory) All() []Channel {
	chans := d.reg.Channels()
	out := make([]Channel, len(chans))
	for i, ch := range chans {
		out[i] = ch
	}
	return out
}
