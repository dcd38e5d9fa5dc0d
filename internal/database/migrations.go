package database

import (
	"errors"
	"time"

	"github.com/sigelo/sigelo/backend/internal/catalog"
	"github.com/sigelo/sigelo/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	migrationBackfillMemberRoles       = "2026-10-02_backfill_member_roles"
	migrationBackfillCatalogSearchText = "2026-10-19_backfill_catalog_search_text"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillMemberRoles, apply: backfillMemberRoles},
		{name: migrationBackfillCatalogSearchText, apply: backfillCatalogSearchText},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCatalogSearchText fills search_text for rows written before listings
// matched against it.
func backfillCatalogSearchText(db *gorm.DB) error {
	var customers []catalog.Customer
	if err := db.Where("search_text = ''").Find(&customers).Error; err != nil {
		return err
	}
	for _, customer := range customers {
		if err := db.Model(&catalog.Customer{}).
			Where("tenant_id = ? AND external_id = ?", customer.TenantID, customer.ExternalID).
			UpdateColumn("search_text", customer.SearchIndex()).Error; err != nil {
			return err
		}
	}

	var services []catalog.Service
	if err := db.Where("search_text = ''").Find(&services).Error; err != nil {
		return err
	}
	for _, service := range services {
		if err := db.Model(&catalog.Service{}).
			Where("tenant_id = ? AND external_id = ?", service.TenantID, service.ExternalID).
			UpdateColumn("search_text", service.SearchIndex()).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillMemberRoles grants the viewer role to memberships stored without roles.
func backfillMemberRoles(db *gorm.DB) error {
	return db.Model(&users.Member{}).
		Where("roles IS NULL").
		Update("roles", datatypes.JSONSlice[string]{users.RoleViewer}).Error
}
