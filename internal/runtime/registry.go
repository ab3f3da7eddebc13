package runtime

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/retrovue/retrovue/internal/observability"
)

// Registry maps channel ids to their runtimes. The server object owns
// it; no package-level channel state exists anywhere.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   observability.WithComponent(logger, "runtime"),
		channels: make(map[string]*Channel),
	}
}

// Add registers a channel runtime. Ids are unique.
func (r *Registry) Add(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.ID()]; ok {
		return fmt.Errorf("channel %s already registered", ch.ID())
	}
	r.channels[ch.ID()] = ch
	return nil
}

// Get looks a channel up by id.
func (r *Registry) Get(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Remove unregisters a channel and returns it for the caller to stop.
func (r *Registry) Remove(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	return ch, ok
}

// Channels returns the registered runtimes ordered by id.
func (r *Registry) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IDs returns the registered channel ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll stops every channel concurrently and waits for them.
func (r *Registry) StopAll() {
	channels := r.Channels()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			if err := ch.Stop(); err != nil {
				r.logger.Error("channel stop failed",
					slog.String("channel_id", ch.ID()),
					slog.String("error", err.Error()))
			}
		}(ch)
	}
	wg.Wait()
}
