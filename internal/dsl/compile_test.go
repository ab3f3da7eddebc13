package dsl

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/retrovue/retrovue/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog is an in-memory AssetSource.
type fakeCatalog struct {
	assets      map[string]*models.Asset
	collections map[string][]string
}

func (f *fakeCatalog) Lookup(_ context.Context, id string) (*models.Asset, error) {
	asset, ok := f.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", id, models.ErrAssetNotFound)
	}
	return asset, nil
}

func (f *fakeCatalog) Children(_ context.Context, collectionID string) ([]*models.Asset, error) {
	ids, ok := f.collections[collectionID]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", collectionID, models.ErrCollectionNotFound)
	}
	children := make([]*models.Asset, 0, len(ids))
	for _, id := range ids {
		child, err := f.Lookup(context.Background(), id)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func episode(id, title string, durationMs int64, rating string) *models.Asset {
	return &models.Asset{
		ID: id, Kind: models.AssetKindEpisode, Title: title,
		DurationMs: durationMs, URI: "file:///media/" + id + ".ts", Rating: rating,
	}
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{
		assets: map[string]*models.Asset{
			"cheers-s01e01": episode("cheers-s01e01", "Give Me a Ring Sometime", 1_320_000, "PG"),
			"cheers-s01e02": episode("cheers-s01e02", "Sam's Women", 1_290_000, "PG"),
			"cheers-s01e03": episode("cheers-s01e03", "The Tortelli Tort", 1_310_000, "PG"),
			"night-movie":   episode("night-movie", "Midnight Feature", 5_100_000, "R"),
			"g-short":       episode("g-short", "Cartoon Short", 420_000, "G"),
			"coll-only": {
				ID: "coll-only", Kind: models.AssetKindCollection, Title: "A Collection",
			},
		},
		collections: map[string][]string{
			"cheers-season-1": {"cheers-s01e01", "cheers-s01e02", "cheers-s01e03"},
			"shorts":          {"g-short", "night-movie"},
		},
	}
}

func testDoc() *Document {
	return &Document{
		Version:  1,
		Channel:  "retro-one",
		Timezone: "UTC",
		Pools:    map[string][]string{"sitcoms": {"cheers-season-1"}},
		Schedule: map[string]DayProgram{
			"default": {Slots: []Slot{
				{Start: "06:00", SlotMinutes: 30, Content: SlotContent{Pool: "sitcoms"}},
				{Start: "06:30", SlotMinutes: 30, Content: SlotContent{Pool: "sitcoms"}},
				{Start: "07:00", SlotMinutes: 30, Content: SlotContent{Asset: "cheers-s01e01"}},
			}},
		},
	}
}

func testReq() CompileRequest {
	return CompileRequest{Day: "2026-01-15", GridMinutes: 30, DayStartHour: 6}
}

func TestCompile(t *testing.T) {
	day, err := Compile(context.Background(), testDoc(), testCatalog(), testReq())
	require.NoError(t, err)

	assert.Equal(t, "retro-one", day.ChannelID)
	assert.Equal(t, "2026-01-15", day.BroadcastDay)
	require.Len(t, day.Blocks, 3)

	// Sequential selection with counter 0: slot index walks the pool.
	assert.Equal(t, "cheers-s01e01", day.Blocks[0].AssetID)
	assert.Equal(t, "cheers-s01e02", day.Blocks[1].AssetID)

	first := day.Blocks[0]
	assert.Equal(t, time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC), first.StartAt)
	assert.Equal(t, 1800, first.SlotDurationSec)
	assert.Equal(t, 1320, first.EpisodeDurationSec)
	assert.Equal(t, "Give Me a Ring Sometime", first.Title)
	assert.Equal(t, first.StartAt.Add(30*time.Minute), first.EndAt())

	assert.NotEmpty(t, day.Hash)
}

func TestCompile_HashStable(t *testing.T) {
	a, err := Compile(context.Background(), testDoc(), testCatalog(), testReq())
	require.NoError(t, err)
	b, err := Compile(context.Background(), testDoc(), testCatalog(), testReq())
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)

	// A different day selects different content, so the hash moves.
	req := testReq()
	req.Day = "2026-01-16"
	req.SequentialCounter = 48
	c, err := Compile(context.Background(), testDoc(), testCatalog(), req)
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestCompile_SequentialCounterRotates(t *testing.T) {
	req := testReq()
	req.SequentialCounter = 1

	day, err := Compile(context.Background(), testDoc(), testCatalog(), req)
	require.NoError(t, err)

	// counter 1 + slot 0 -> second episode; counter 1 + slot 1 -> third.
	assert.Equal(t, "cheers-s01e02", day.Blocks[0].AssetID)
	assert.Equal(t, "cheers-s01e03", day.Blocks[1].AssetID)
}

func TestCompile_NegativeCounterWraps(t *testing.T) {
	req := testReq()
	req.SequentialCounter = -1

	day, err := Compile(context.Background(), testDoc(), testCatalog(), req)
	require.NoError(t, err)
	assert.Equal(t, "cheers-s01e03", day.Blocks[0].AssetID)
}

func TestCompile_RandomIsReproducible(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"].Slots[0].Content = SlotContent{Collection: "cheers-season-1", Policy: PolicyRandom}

	a, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.NoError(t, err)
	b, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.NoError(t, err)

	assert.Equal(t, a.Blocks[0].AssetID, b.Blocks[0].AssetID)
}

func TestCompile_TimezoneConversion(t *testing.T) {
	doc := testDoc()
	doc.Timezone = "America/New_York"

	day, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.NoError(t, err)

	// 06:00 EST on 2026-01-15 is 11:00 UTC.
	assert.Equal(t, time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC), day.Blocks[0].StartAt)
}

func TestCompile_EarlySlotCarriesPastMidnight(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"] = DayProgram{Slots: []Slot{
		{Start: "23:30", SlotMinutes: 30, Content: SlotContent{Asset: "cheers-s01e01"}},
		{Start: "01:00", SlotMinutes: 90, Content: SlotContent{Asset: "night-movie"}},
	}}

	day, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.NoError(t, err)
	require.Len(t, day.Blocks, 2)

	// 01:00 belongs to the same broadcast day but the next calendar date,
	// so it sorts after 23:30.
	assert.Equal(t, "cheers-s01e01", day.Blocks[0].AssetID)
	assert.Equal(t, time.Date(2026, 1, 16, 1, 0, 0, 0, time.UTC), day.Blocks[1].StartAt)
}

func TestCompile_GridMisalignment(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"].Slots[0].Start = "06:10"

	_, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 0, ve.SlotIndex)
	assert.Contains(t, ve.Detail, "not aligned")
}

func TestCompile_Overlap(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"] = DayProgram{Slots: []Slot{
		{Start: "06:00", SlotMinutes: 60, Content: SlotContent{Asset: "cheers-s01e01"}},
		{Start: "06:30", SlotMinutes: 30, Content: SlotContent{Asset: "cheers-s01e02"}},
	}}

	_, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Detail, "overlaps")
}

func TestCompile_SlotShorterThanEpisode(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"].Slots[2] = Slot{
		Start: "07:00", SlotMinutes: 30,
		Content: SlotContent{Asset: "night-movie"}, // 85 minutes
	}

	_, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Detail, "longer than")
}

func TestCompile_UnknownPool(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"].Slots[0].Content = SlotContent{Pool: "ghost-pool"}

	_, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.Error(t, err)

	var are *AssetResolutionError
	require.ErrorAs(t, err, &are)
	assert.Equal(t, "ghost-pool", are.Ref)
}

func TestCompile_MissingAsset(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"].Slots[2].Content = SlotContent{Asset: "ghost-episode"}

	_, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.Error(t, err)

	var are *AssetResolutionError
	require.ErrorAs(t, err, &are)
	assert.ErrorIs(t, err, models.ErrAssetNotFound)
}

func TestCompile_BareCollectionReference(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"].Slots[2].Content = SlotContent{Asset: "coll-only"}

	_, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.Error(t, err)

	var are *AssetResolutionError
	require.ErrorAs(t, err, &are)
	assert.Contains(t, are.Detail, "collection selector")
}

func TestCompile_RatingFilter(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"].Slots[0].Content = SlotContent{
		Collection: "shorts",
		Ratings:    []string{"G"},
	}

	day, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.NoError(t, err)

	// The R-rated movie is filtered out; only the G short remains.
	assert.Equal(t, "g-short", day.Blocks[0].AssetID)
}

func TestCompile_RatingFilterEmpty(t *testing.T) {
	doc := testDoc()
	doc.Schedule["default"].Slots[0].Content = SlotContent{
		Collection: "shorts",
		Ratings:    []string{"TV-MA"},
	}

	_, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.Error(t, err)

	var are *AssetResolutionError
	require.ErrorAs(t, err, &are)
	assert.Contains(t, are.Detail, "no playable candidates")
}

func TestMockDocument(t *testing.T) {
	doc := MockDocument("bench", "UTC", "cheers-season-1", 30)
	require.NoError(t, doc.Validate())

	slots, err := doc.SlotsFor("2026-01-15")
	require.NoError(t, err)
	assert.Len(t, slots, 48)

	day, err := Compile(context.Background(), doc, testCatalog(), testReq())
	require.NoError(t, err)
	assert.Len(t, day.Blocks, 48)

	// The mock day tiles the full broadcast day contiguously.
	for i := 1; i < len(day.Blocks); i++ {
		assert.Equal(t, day.Blocks[i-1].EndAt(), day.Blocks[i].StartAt)
	}
}

func TestCompileError_Formats(t *testing.T) {
	err := &CompileError{Document: "x.yaml", Detail: "boom"}
	assert.True(t, strings.Contains(err.Error(), "x.yaml"))

	ve := &ValidationError{Day: "2026-01-15", SlotIndex: 3, SlotStart: "07:30", Detail: "bad"}
	assert.Contains(t, ve.Error(), "slot 3")

	are := &AssetResolutionError{Ref: "pool-x", Detail: "gone"}
	assert.Contains(t, are.Error(), "pool-x")
}
