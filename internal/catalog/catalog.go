// Package catalog resolves asset metadata for schedule compilation.
//
// The resolver is a stateless lookup layer over the catalog database: asset
// IDs referenced by channel DSL documents resolve to durations, chapter
// markers and media URIs, and collection IDs resolve to their ordered
// members. Callers may cache results; catalog rows are immutable once
// scheduling has started.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/retrovue/retrovue/internal/models"
	"gorm.io/gorm"
)

// URIScheme is the prefix for URIs that need another catalog hop before the
// producer can open them.
const URIScheme = "catalog://"

// Resolver looks up assets, collections and filler pools.
type Resolver struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewResolver creates a resolver over the given catalog database.
func NewResolver(db *gorm.DB, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{db: db, logger: logger}
}

// Lookup returns the asset with the given ID, chapter markers preloaded in
// index order. Returns models.ErrAssetNotFound when no such asset exists.
func (r *Resolver) Lookup(ctx context.Context, id string) (*models.Asset, error) {
	var asset models.Asset
	err := r.db.WithContext(ctx).
		Preload("Markers", func(db *gorm.DB) *gorm.DB {
			return db.Order("idx ASC")
		}).
		First(&asset, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("asset %q: %w", id, models.ErrAssetNotFound)
		}
		return nil, fmt.Errorf("looking up asset %q: %w", id, err)
	}
	return &asset, nil
}

// Children returns the ordered member assets of a collection. The collection
// asset itself must exist and be of kind collection; every member must
// resolve, since a dangling child reference would make downstream selection
// non-deterministic.
func (r *Resolver) Children(ctx context.Context, collectionID string) ([]*models.Asset, error) {
	var coll models.Asset
	err := r.db.WithContext(ctx).First(&coll, "id = ?", collectionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("collection %q: %w", collectionID, models.ErrCollectionNotFound)
		}
		return nil, fmt.Errorf("looking up collection %q: %w", collectionID, err)
	}
	if coll.Kind != models.AssetKindCollection {
		return nil, fmt.Errorf("asset %q has kind %q: %w", collectionID, coll.Kind, models.ErrCollectionNotFound)
	}

	var items []models.CollectionItem
	err = r.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Order("position ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("listing collection %q items: %w", collectionID, err)
	}

	children := make([]*models.Asset, 0, len(items))
	for _, item := range items {
		child, err := r.Lookup(ctx, item.ChildID)
		if err != nil {
			return nil, fmt.Errorf("collection %q member at position %d: %w", collectionID, item.Position, err)
		}
		children = append(children, child)
	}
	return children, nil
}

// FillerPool flattens one or more collections into a single ordered list of
// playable filler assets. The order is collection order, then member order,
// which is what the wrap-aware traffic fill walks through.
func (r *Resolver) FillerPool(ctx context.Context, collectionIDs []string) ([]*models.Asset, error) {
	pool := make([]*models.Asset, 0)
	for _, collID := range collectionIDs {
		children, err := r.Children(ctx, collID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if !child.IsPlayable() {
				return nil, fmt.Errorf("filler pool %q member %q is not playable", collID, child.ID)
			}
			pool = append(pool, child)
		}
	}
	return pool, nil
}

// ResolveURI resolves a catalog:// URI to the referenced asset's own URI.
// Any other URI is returned unchanged. When the hop fails (asset missing,
// empty target, or a target that is itself another catalog reference) the
// original URI passes through unchanged with a warning; the producer will
// fail fast when it tries to open it.
func (r *Resolver) ResolveURI(ctx context.Context, uri string) string {
	if !strings.HasPrefix(uri, URIScheme) {
		return uri
	}

	id := strings.TrimPrefix(uri, URIScheme)
	asset, err := r.Lookup(ctx, id)
	if err != nil {
		r.logger.Warn("catalog URI did not resolve, passing through",
			slog.String("uri", uri),
			slog.String("error", err.Error()),
		)
		return uri
	}
	if asset.URI == "" || strings.HasPrefix(asset.URI, URIScheme) {
		r.logger.Warn("catalog URI target is not a media location, passing through",
			slog.String("uri", uri),
			slog.String("target", asset.URI),
		)
		return uri
	}
	return asset.URI
}

// Counts returns the number of catalog assets per kind. Used by the status
// endpoint.
func (r *Resolver) Counts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Kind  string
		Count int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.Asset{}).
		Select("kind, count(*) as count").
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting assets: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Kind] = r.Count
	}
	return counts, nil
}
