// Package migrations provides catalog schema migration management for retrovue.
package migrations

import (
	"github.com/retrovue/retrovue/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
// - 001: Catalog schema (assets, chapter markers, collection items)
func AllMigrations() []Migration {
	return []Migration{
		migration001CatalogSchema(),
	}
}

// migration001CatalogSchema creates the catalog tables using GORM AutoMigrate.
func migration001CatalogSchema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create catalog tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.Asset{},
				&models.ChapterMarker{},
				&models.CollectionItem{},
			)
		},
		Down: func(tx *gorm.DB) error {
			tables := []string{
				"collection_items",
				"chapter_markers",
				"assets",
			}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}
