package models

import (
	"time"

	"gorm.io/gorm"
)

// CollectionItem is one ordered member of a collection asset. Selection
// pools in channel DSL documents reference collections; the scheduler walks
// their items in Position order.
type CollectionItem struct {
	// CollectionID is the owning collection asset's natural key.
	CollectionID string `gorm:"primarykey;size:255" json:"collection_id"`

	// Position is the zero-based order of the child within the collection.
	Position int `gorm:"primarykey;autoIncrement:false" json:"position"`

	// ChildID is the natural key of the member asset.
	ChildID string `gorm:"not null;size:255;index" json:"child_id"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for CollectionItem.
func (CollectionItem) TableName() string {
	return "collection_items"
}

// Validate performs basic validation on the collection item.
func (i *CollectionItem) Validate() error {
	if i.CollectionID == "" {
		return ErrCollectionIDRequired
	}
	if i.Position < 0 {
		return ErrPositionInvalid
	}
	if i.ChildID == "" {
		return ErrChildIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the collection item.
func (i *CollectionItem) BeforeCreate(tx *gorm.DB) error {
	return i.Validate()
}

// BeforeUpdate is a GORM hook that validates the collection item before update.
func (i *CollectionItem) BeforeUpdate(tx *gorm.DB) error {
	return i.Validate()
}
