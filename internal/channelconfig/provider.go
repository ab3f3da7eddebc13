package channelconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/retrovue/retrovue/internal/observability"
)

// EventType classifies a lineup change.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event reports one lineup change produced by a directory rescan. For
// removals Channel carries the last-known definition.
type Event struct {
	Type    EventType
	Channel *Channel
}

// Provider serves the channel lineup from a directory of YAML files, one
// file per channel, and watches the directory for edits.
type Provider struct {
	dir      string
	logger   *slog.Logger
	metrics  *observability.Metrics
	debounce time.Duration

	mu       sync.RWMutex
	channels map[string]*Channel
	byFile   map[string]string
}

// NewProvider builds a provider over dir. Call Load before serving.
func NewProvider(dir string, logger *slog.Logger, metrics *observability.Metrics) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		dir:      dir,
		logger:   observability.WithComponent(logger, "channelconfig"),
		metrics:  metrics,
		debounce: 500 * time.Millisecond,
		channels: map[string]*Channel{},
		byFile:   map[string]string{},
	}
}

// Load scans the directory once. Any unreadable or invalid file fails the
// load; startup wants a clean lineup.
func (p *Provider) Load() error {
	channels, byFile, err := p.scan(true)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.channels, p.byFile = channels, byFile
	p.mu.Unlock()
	p.logger.Info("channel lineup loaded", "dir", p.dir, "channels", len(channels))
	return nil
}

// Get returns the channel definition for id.
func (p *Provider) Get(id string) (*Channel, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ch, ok := p.channels[id]
	return ch, ok
}

// Channels returns the lineup ordered by channel number, then ID.
func (p *Provider) Channels() []*Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Watch follows the directory for edits and reports lineup changes on the
// returned channel, which closes when ctx ends. Filesystem events are
// debounced so an editor save (write plus rename) triggers one rescan.
func (p *Provider) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	if err := watcher.Add(p.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", p.dir, err)
	}
	events := make(chan Event, 16)
	go p.watchLoop(ctx, watcher, events)
	p.logger.Info("watching channel config directory", "dir", p.dir)
	return events, nil
}

func (p *Provider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan<- Event) {
	defer close(out)
	defer watcher.Close()

	rescan := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Include targets are YAML too, so any YAML edit rescans.
			ext := strings.ToLower(filepath.Ext(ev.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(p.debounce, func() {
				select {
				case rescan <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watcher error", "error", err)

		case <-rescan:
			p.rescan(ctx, out)
		}
	}
}

func (p *Provider) rescan(ctx context.Context, out chan<- Event) {
	next, byFile, err := p.scan(false)
	if err != nil {
		p.metrics.ConfigReload(false)
		p.logger.Error("config rescan failed, keeping current lineup", "error", err)
		return
	}

	p.mu.Lock()
	prev := p.channels
	p.channels, p.byFile = next, byFile
	p.mu.Unlock()
	p.metrics.ConfigReload(true)

	for _, ev := range diffLineup(prev, next) {
		p.logger.Info("channel lineup changed",
			"event", string(ev.Type),
			"channel", ev.Channel.ID,
			"name", ev.Channel.Name,
			"number", ev.Channel.Number)
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// scan parses every channel file in the directory. With strict set the
// first bad file aborts; otherwise bad files are logged and their previous
// definition, when one exists, is carried forward so a typo cannot tear
// down a running channel.
func (p *Provider) scan(strict bool) (map[string]*Channel, map[string]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config dir: %w", err)
	}

	channels := make(map[string]*Channel)
	byFile := make(map[string]string)
	fileOf := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isChannelFile(name) {
			continue
		}
		ch, err := LoadFile(filepath.Join(p.dir, name))
		if err != nil {
			if strict {
				return nil, nil, err
			}
			p.logger.Error("skipping unreadable channel config", "file", name, "error", err)
			if prev := p.carryForward(name); prev != nil {
				channels[prev.ID] = prev
				byFile[name] = prev.ID
				fileOf[prev.ID] = name
			}
			continue
		}
		if other, dup := fileOf[ch.ID]; dup {
			err := fmt.Errorf("channel id %q defined in both %s and %s", ch.ID, other, name)
			if strict {
				return nil, nil, err
			}
			p.logger.Error("skipping duplicate channel config", "file", name, "error", err)
			continue
		}
		channels[ch.ID] = ch
		byFile[name] = ch.ID
		fileOf[ch.ID] = name
	}
	return channels, byFile, nil
}

func (p *Provider) carryForward(file string) *Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byFile[file]
	if !ok {
		return nil
	}
	return p.channels[id]
}

// isChannelFile keeps YAML files that are not underscore-prefixed partials
// or editor hidden files.
func isChannelFile(name string) bool {
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// diffLineup orders removals before updates before additions so a consumer
// renaming a channel tears the old one down before building the new one.
func diffLineup(prev, next map[string]*Channel) []Event {
	var removed, updated, added []Event
	for id, ch := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, Event{Type: EventRemoved, Channel: ch})
		}
	}
	for id, ch := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			added = append(added, Event{Type: EventAdded, Channel: ch})
		case !ch.equal(old):
			updated = append(updated, Event{Type: EventUpdated, Channel: ch})
		}
	}
	for _, group := range [][]Event{removed, updated, added} {
		sort.Slice(group, func(i, j int) bool { return group[i].Channel.ID < group[j].Channel.ID })
	}
	return append(append(removed, updated...), added...)
}
