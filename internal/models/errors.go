package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for catalog models.
var (
	// ErrAssetIDRequired indicates a required asset ID field is empty.
	ErrAssetIDRequired = errors.New("asset id is required")

	// ErrInvalidAssetKind indicates an unknown asset kind.
	ErrInvalidAssetKind = errors.New("invalid asset kind: must be 'episode', 'movie', 'filler' or 'collection'")

	// ErrTitleRequired indicates a required title field is empty.
	ErrTitleRequired = errors.New("title is required")

	// ErrDurationRequired indicates a playable asset has no positive duration.
	ErrDurationRequired = errors.New("duration_ms must be positive for playable assets")

	// ErrURIRequired indicates a playable asset has no media URI.
	ErrURIRequired = errors.New("uri is required for playable assets")

	// ErrMarkerAssetRequired indicates a chapter marker without an owning asset.
	ErrMarkerAssetRequired = errors.New("asset_id is required for chapter markers")

	// ErrMarkerOffsetInvalid indicates a non-positive chapter marker offset.
	ErrMarkerOffsetInvalid = errors.New("chapter marker offset_ms must be strictly positive")

	// ErrCollectionIDRequired indicates a collection item without an owning collection.
	ErrCollectionIDRequired = errors.New("collection_id is required")

	// ErrChildIDRequired indicates a collection item without a child asset.
	ErrChildIDRequired = errors.New("child_id is required")

	// ErrPositionInvalid indicates a negative collection item position.
	ErrPositionInvalid = errors.New("position must be non-negative")

	// ErrAssetNotFound indicates an asset lookup miss.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrCollectionNotFound indicates a collection lookup miss.
	ErrCollectionNotFound = errors.New("collection not found")
)
