package dsl

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/retrovue/retrovue/internal/models"
)

// AssetSource is the catalog surface compilation needs: asset lookups and
// ordered collection membership.
type AssetSource interface {
	Lookup(ctx context.Context, id string) (*models.Asset, error)
	Children(ctx context.Context, collectionID string) ([]*models.Asset, error)
}

// ProgramBlock is one grid-aligned scheduled slot bound to a concrete asset.
type ProgramBlock struct {
	AssetID            string    `json:"asset_id"`
	StartAt            time.Time `json:"start_at"` // UTC
	SlotDurationSec    int       `json:"slot_duration_sec"`
	EpisodeDurationSec int       `json:"episode_duration_sec"`
	Title              string    `json:"title"`
	Season             *int      `json:"season,omitempty"`
	Episode            *int      `json:"episode,omitempty"`
	Notes              string    `json:"notes,omitempty"`
}

// SlotDuration returns the slot length.
func (b *ProgramBlock) SlotDuration() time.Duration {
	return time.Duration(b.SlotDurationSec) * time.Second
}

// EndAt returns the block's scheduled end.
func (b *ProgramBlock) EndAt() time.Time {
	return b.StartAt.Add(b.SlotDuration())
}

// CompiledDay is the result of compiling one broadcast day.
type CompiledDay struct {
	Version      int            `json:"version"`
	ChannelID    string         `json:"channel_id"`
	BroadcastDay string         `json:"broadcast_day"`
	Blocks       []ProgramBlock `json:"program_blocks"`
	Notes        string         `json:"notes,omitempty"`
	Hash         string         `json:"hash"`
}

// CompileRequest carries the caller-supplied compilation context.
type CompileRequest struct {
	// Day is the broadcast day to compile, YYYY-MM-DD channel-local.
	Day string

	// GridMinutes is the channel's slot grid; slot starts must land on it.
	GridMinutes int

	// DayStartHour is the programming-day rollover hour. Slot starts earlier
	// than this belong to the next calendar date.
	DayStartHour int

	// SequentialCounter is the per-day base for sequential pool selection,
	// seeded by the schedule service so episode rotation is independent of
	// compilation order.
	SequentialCounter int64
}

// Compile binds a document's slots for one broadcast day to concrete assets
// and returns the day's program blocks in air order.
func Compile(ctx context.Context, doc *Document, assets AssetSource, req CompileRequest) (*CompiledDay, error) {
	slots, err := doc.SlotsFor(req.Day)
	if err != nil {
		return nil, err
	}
	if req.GridMinutes <= 0 || 60%req.GridMinutes != 0 {
		return nil, &CompileError{Detail: fmt.Sprintf("grid_minutes %d must divide 60", req.GridMinutes)}
	}

	loc, err := time.LoadLocation(doc.Timezone)
	if err != nil {
		return nil, &CompileError{Detail: fmt.Sprintf("unknown timezone %q", doc.Timezone), Err: err}
	}
	date, err := ParseDay(req.Day)
	if err != nil {
		return nil, &CompileError{Detail: fmt.Sprintf("invalid broadcast day %q", req.Day), Err: err}
	}

	type indexed struct {
		block     ProgramBlock
		slotIndex int
		start     string
	}
	blocks := make([]indexed, 0, len(slots))

	for i, slot := range slots {
		hour, minute, err := parseClock(slot.Start)
		if err != nil {
			return nil, &ValidationError{Day: req.Day, SlotIndex: i, SlotStart: slot.Start, Detail: err.Error()}
		}
		if minute%req.GridMinutes != 0 {
			return nil, &ValidationError{
				Day: req.Day, SlotIndex: i, SlotStart: slot.Start,
				Detail: fmt.Sprintf("start minute %02d not aligned to %d-minute grid", minute, req.GridMinutes),
			}
		}

		// Starts before the programming-day rollover air after midnight on
		// the next calendar date.
		day := date
		if hour < req.DayStartHour {
			day = date.AddDate(0, 0, 1)
		}
		startLocal := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)

		asset, err := selectAsset(ctx, doc, assets, &slot, i, req)
		if err != nil {
			return nil, err
		}

		episodeSec := int((asset.DurationMs + 999) / 1000)
		if slot.SlotMinutes*60 < episodeSec {
			return nil, &ValidationError{
				Day: req.Day, SlotIndex: i, SlotStart: slot.Start,
				Detail: fmt.Sprintf("asset %q runs %ds, longer than the %dm slot", asset.ID, episodeSec, slot.SlotMinutes),
			}
		}

		title := asset.Title
		if slot.Title != "" {
			title = slot.Title
		}

		blocks = append(blocks, indexed{
			block: ProgramBlock{
				AssetID:            asset.ID,
				StartAt:            startLocal.UTC(),
				SlotDurationSec:    slot.SlotMinutes * 60,
				EpisodeDurationSec: episodeSec,
				Title:              title,
				Season:             asset.Season,
				Episode:            asset.Episode,
				Notes:              slot.Notes,
			},
			slotIndex: i,
			start:     slot.Start,
		})
	}

	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].block.StartAt.Before(blocks[j].block.StartAt)
	})
	for i := 1; i < len(blocks); i++ {
		prev, cur := &blocks[i-1], &blocks[i]
		if cur.block.StartAt.Before(prev.block.EndAt()) {
			return nil, &ValidationError{
				Day: req.Day, SlotIndex: cur.slotIndex, SlotStart: cur.start,
				Detail: fmt.Sprintf("overlaps slot %d (%s)", prev.slotIndex, prev.start),
			}
		}
	}

	ordered := make([]ProgramBlock, len(blocks))
	for i, b := range blocks {
		ordered[i] = b.block
	}

	hash, err := hashBlocks(ordered)
	if err != nil {
		return nil, &CompileError{Detail: "hashing program blocks", Err: err}
	}

	return &CompiledDay{
		Version:      doc.Version,
		ChannelID:    doc.Channel,
		BroadcastDay: req.Day,
		Blocks:       ordered,
		Notes:        doc.Notes,
		Hash:         hash,
	}, nil
}

// selectAsset resolves a slot's content union to one playable asset.
func selectAsset(ctx context.Context, doc *Document, assets AssetSource, slot *Slot, slotIndex int, req CompileRequest) (*models.Asset, error) {
	content := &slot.Content

	if content.Asset != "" {
		asset, err := assets.Lookup(ctx, content.Asset)
		if err != nil {
			return nil, &AssetResolutionError{Ref: content.Asset, Detail: "asset not in catalog", Err: err}
		}
		if !asset.IsPlayable() {
			return nil, &AssetResolutionError{Ref: content.Asset, Detail: "collections need a collection selector, not a bare asset reference"}
		}
		return asset, nil
	}

	var (
		candidates []*models.Asset
		ref        string
	)
	switch {
	case content.Pool != "":
		ref = content.Pool
		collections, ok := doc.Pools[content.Pool]
		if !ok {
			return nil, &AssetResolutionError{Ref: content.Pool, Detail: "pool not defined in document"}
		}
		for _, collID := range collections {
			children, err := assets.Children(ctx, collID)
			if err != nil {
				return nil, &AssetResolutionError{Ref: content.Pool, Detail: fmt.Sprintf("loading collection %q", collID), Err: err}
			}
			candidates = append(candidates, children...)
		}
	default:
		ref = content.Collection
		children, err := assets.Children(ctx, content.Collection)
		if err != nil {
			return nil, &AssetResolutionError{Ref: content.Collection, Detail: "collection not in catalog", Err: err}
		}
		candidates = children
	}

	candidates = filterCandidates(candidates, content.Ratings)
	if len(candidates) == 0 {
		return nil, &AssetResolutionError{Ref: ref, Detail: "no playable candidates match the slot filters"}
	}

	switch content.Policy {
	case PolicyRandom:
		seed := randomSeed(doc.Channel, req.Day, slotIndex)
		pick := rand.New(rand.NewSource(seed)).Intn(len(candidates))
		return candidates[pick], nil
	default:
		// Sequential. The counter is day-seeded, so the same document picks
		// different episodes on different days and the same episode when
		// recompiled for the same day.
		return candidates[wrapIndex(req.SequentialCounter+int64(slotIndex), len(candidates))], nil
	}
}

// filterCandidates keeps playable assets, applying the rating allow-list
// when present.
func filterCandidates(candidates []*models.Asset, ratings []string) []*models.Asset {
	allowed := make(map[string]bool, len(ratings))
	for _, r := range ratings {
		allowed[r] = true
	}

	kept := make([]*models.Asset, 0, len(candidates))
	for _, c := range candidates {
		if !c.IsPlayable() {
			continue
		}
		if len(ratings) > 0 && !allowed[c.Rating] {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// randomSeed derives a reproducible seed from the slot's identity so random
// selection survives recompilation.
func randomSeed(channel, day string, slotIndex int) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", channel, day, slotIndex)))
	return int64(binary.BigEndian.Uint64(sum[:8]) & math.MaxInt64)
}

// wrapIndex reduces a counter into a candidate index, tolerating negatives.
func wrapIndex(counter int64, n int) int {
	m := counter % int64(n)
	if m < 0 {
		m += int64(n)
	}
	return int(m)
}

// hashBlocks computes the content hash over the air-ordered block list:
// SHA-256 of its canonical JSON encoding.
func hashBlocks(blocks []ProgramBlock) (string, error) {
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
