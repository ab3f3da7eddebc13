package models

import (
	"time"

	"gorm.io/gorm"
)

// Asset kinds understood by the catalog. Collections are containers whose
// members live in collection_items; all other kinds are playable media.
const (
	AssetKindEpisode    = "episode"
	AssetKindMovie      = "movie"
	AssetKindFiller     = "filler"
	AssetKindCollection = "collection"
)

// Asset represents a single catalog entry: a playable piece of media or a
// collection grouping other assets. Assets use natural string keys (the IDs
// referenced by channel DSL documents) rather than generated ones.
type Asset struct {
	// ID is the natural key referenced from DSL documents,
	// e.g. "cheers-s01e05" or "filler-station-id-04".
	ID string `gorm:"primarykey;size:255" json:"id"`

	// Kind classifies the asset: episode, movie, filler or collection.
	Kind string `gorm:"not null;size:32;index" json:"kind"`

	// Title is the display title used for EPG entries.
	Title string `gorm:"not null;size:512" json:"title"`

	// Season is the season number for episodic content.
	Season *int `json:"season,omitempty"`

	// Episode is the episode number for episodic content.
	Episode *int `json:"episode,omitempty"`

	// DurationMs is the exact runtime in milliseconds. Required for playable
	// kinds; collections carry no duration of their own.
	DurationMs int64 `gorm:"not null;default:0" json:"duration_ms"`

	// URI locates the media for the producer. May use the catalog:// scheme
	// for entries whose physical location is resolved elsewhere.
	URI string `gorm:"size:4096" json:"uri,omitempty"`

	// Rating is an optional content rating for guide display.
	Rating string `gorm:"size:16" json:"rating,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Markers are the ad-break insertion points for this asset, ordered by index.
	Markers []ChapterMarker `gorm:"foreignKey:AssetID;references:ID" json:"markers,omitempty"`
}

// TableName returns the table name for Asset.
func (Asset) TableName() string {
	return "assets"
}

// IsPlayable reports whether the asset is directly playable media.
func (a *Asset) IsPlayable() bool {
	return a.Kind != AssetKindCollection
}

// Duration returns the asset runtime as a time.Duration.
func (a *Asset) Duration() time.Duration {
	return time.Duration(a.DurationMs) * time.Millisecond
}

// ValidAssetKind reports whether kind is one of the known asset kinds.
func ValidAssetKind(kind string) bool {
	switch kind {
	case AssetKindEpisode, AssetKindMovie, AssetKindFiller, AssetKindCollection:
		return true
	}
	return false
}

// Validate performs basic validation on the asset.
func (a *Asset) Validate() error {
	if a.ID == "" {
		return ErrAssetIDRequired
	}
	if !ValidAssetKind(a.Kind) {
		return ErrInvalidAssetKind
	}
	if a.Title == "" {
		return ErrTitleRequired
	}
	if a.IsPlayable() {
		if a.DurationMs <= 0 {
			return ErrDurationRequired
		}
		if a.URI == "" {
			return ErrURIRequired
		}
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the asset.
func (a *Asset) BeforeCreate(tx *gorm.DB) error {
	return a.Validate()
}

// BeforeUpdate is a GORM hook that validates the asset before update.
func (a *Asset) BeforeUpdate(tx *gorm.DB) error {
	return a.Validate()
}
