package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sigelo/sigelo/backend/internal/catalog"
	"github.com/sigelo/sigelo/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(catalog.Models(), &users.Member{}, &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsBackfillsCatalogSearchText(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	insertCustomer := "INSERT INTO customers (tenant_id, external_id, name, email, synced_at, raw_payload) VALUES (?, ?, ?, ?, ?, ?)"
	if err := database.Exec(insertCustomer, "tenant-1", "c-1", "CONSTRUÇÃO ACME", "Contato@Acme.com", time.Now().UTC(), "{}").Error; err != nil {
		testContext.Fatalf("failed to insert customer: %v", err)
	}
	insertService := "INSERT INTO services (tenant_id, external_id, description, code, synced_at, raw_payload) VALUES (?, ?, ?, ?, ?, ?)"
	if err := database.Exec(insertService, "tenant-1", "s-1", "INSTALAÇÃO", "INS-01", time.Now().UTC(), "{}").Error; err != nil {
		testContext.Fatalf("failed to insert service: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var customer catalog.Customer
	if err := database.Where("external_id = ?", "c-1").Take(&customer).Error; err != nil {
		testContext.Fatalf("failed to reload customer: %v", err)
	}
	if customer.SearchText != "construção acme\ncontato@acme.com" {
		testContext.Fatalf("unexpected customer search text: %q", customer.SearchText)
	}
	var service catalog.Service
	if err := database.Where("external_id = ?", "s-1").Take(&service).Error; err != nil {
		testContext.Fatalf("failed to reload service: %v", err)
	}
	if service.SearchText != "instalação\nins-01" {
		testContext.Fatalf("unexpected service search text: %q", service.SearchText)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillCatalogSearchText).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsRolesOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	if err := database.Exec("INSERT INTO tenant_members (tenant_id, user_id) VALUES (?, ?)", "tenant-1", "user-1").Error; err != nil {
		testContext.Fatalf("failed to insert member: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var member users.Member
	if err := database.Where("user_id = ?", "user-1").Take(&member).Error; err != nil {
		testContext.Fatalf("failed to reload member: %v", err)
	}
	if !member.HasAnyRole(users.RoleViewer) {
		testContext.Fatalf("expected viewer role, got %v", member.Roles)
	}

	// A second run must be a no-op.
	if err := database.Exec("INSERT INTO tenant_members (tenant_id, user_id) VALUES (?, ?)", "tenant-1", "user-2").Error; err != nil {
		testContext.Fatalf("failed to insert member: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	var unbackfilled int64
	if err := database.Model(&users.Member{}).Where("user_id = ? AND roles IS NULL", "user-2").Count(&unbackfilled).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if unbackfilled != 1 {
		testContext.Fatalf("expected recorded migration to be skipped")
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", count)
	}
}

func TestOpenMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "sigelo.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, table := range []string{"integration_tokens", "customers", "services", "audit_logs", "tenant_members", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	if _, err := Open("mysql", databasePath, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(DriverSQLite, " ", nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}
