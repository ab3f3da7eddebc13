package models

import (
	"time"

	"gorm.io/gorm"
)

// ChapterMarker marks an ad-break insertion point inside a playable asset.
// Markers are ordered by Idx and must fall strictly inside the asset runtime;
// block compilation splits acts at marker offsets.
type ChapterMarker struct {
	// AssetID is the owning asset's natural key.
	AssetID string `gorm:"primarykey;size:255" json:"asset_id"`

	// Idx is the zero-based marker position within the asset.
	Idx int `gorm:"primarykey;autoIncrement:false" json:"idx"`

	// OffsetMs is the marker position in milliseconds from asset start.
	// Strictly positive and strictly less than the asset duration.
	OffsetMs int64 `gorm:"not null;index:idx_marker_offset" json:"offset_ms"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for ChapterMarker.
func (ChapterMarker) TableName() string {
	return "chapter_markers"
}

// Offset returns the marker offset as a time.Duration.
func (m *ChapterMarker) Offset() time.Duration {
	return time.Duration(m.OffsetMs) * time.Millisecond
}

// Validate performs basic validation on the marker.
func (m *ChapterMarker) Validate() error {
	if m.AssetID == "" {
		return ErrMarkerAssetRequired
	}
	if m.Idx < 0 {
		return ErrPositionInvalid
	}
	if m.OffsetMs <= 0 {
		return ErrMarkerOffsetInvalid
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the marker.
func (m *ChapterMarker) BeforeCreate(tx *gorm.DB) error {
	return m.Validate()
}

// BeforeUpdate is a GORM hook that validates the marker before update.
func (m *ChapterMarker) BeforeUpdate(tx *gorm.DB) error {
	return m.Validate()
}
