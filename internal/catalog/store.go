package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListPage  = 1
	defaultListLimit = 20
	maxListLimit     = 100
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingTenantID = errors.New("tenant identifier is required")
	noOpLogger         = zap.NewNop()

	customerUpdateColumns = []string{"name", "document", "email", "phone", "person_type", "search_text", "synced_at", "raw_payload", "updated_at"}
	serviceUpdateColumns  = []string{"code", "external_code", "description", "status", "price", "cost", "search_text", "synced_at", "raw_payload", "updated_at"}

	searchEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
)

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew        = "catalog.store.new"
	opUpsertCustomers = "catalog.upsert_customers"
	opUpsertServices  = "catalog.upsert_services"
	opListCustomers   = "catalog.list_customers"
	opListServices    = "catalog.list_services"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the catalog store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store reads and writes the synced customer and service rows.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates the configuration and builds a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// UpsertCustomers writes rows keyed by (tenant_id, external_id), overwriting existing ones.
func (s *Store) UpsertCustomers(ctx context.Context, rows []Customer) error {
	if len(rows) == 0 {
		return nil
	}
	for index := range rows {
		rows[index].SearchText = rows[index].SearchIndex()
	}
	if err := s.upsert(ctx, &rows, customerUpdateColumns); err != nil {
		s.logError(opUpsertCustomers, "upsert_failed", err, zap.String("tenant_id", rows[0].TenantID), zap.Int("rows", len(rows)))
		return newServiceError(opUpsertCustomers, "upsert_failed", err)
	}
	return nil
}

// UpsertServices writes rows keyed by (tenant_id, external_id), overwriting existing ones.
func (s *Store) UpsertServices(ctx context.Context, rows []Service) error {
	if len(rows) == 0 {
		return nil
	}
	for index := range rows {
		rows[index].SearchText = rows[index].SearchIndex()
	}
	if err := s.upsert(ctx, &rows, serviceUpdateColumns); err != nil {
		s.logError(opUpsertServices, "upsert_failed", err, zap.String("tenant_id", rows[0].TenantID), zap.Int("rows", len(rows)))
		return newServiceError(opUpsertServices, "upsert_failed", err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, rows any, updateColumns []string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(rows).Error
}

// ListQuery selects one page of rows. Search is matched case-insensitively.
type ListQuery struct {
	Page   int
	Limit  int
	Search string
}

func (q ListQuery) normalized() ListQuery {
	normalized := ListQuery{Page: q.Page, Limit: q.Limit, Search: strings.TrimSpace(q.Search)}
	if normalized.Page < 1 {
		normalized.Page = defaultListPage
	}
	if normalized.Limit < 1 {
		normalized.Limit = defaultListLimit
	}
	if normalized.Limit > maxListLimit {
		normalized.Limit = maxListLimit
	}
	return normalized
}

// Page is one slice of a listing. TotalPages is at least 1.
type Page[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"totalPages"`
}

// ListCustomers pages through the tenant's customers ordered by name.
func (s *Store) ListCustomers(ctx context.Context, tenantID string, query ListQuery) (Page[Customer], error) {
	page, err := listPage[Customer](ctx, s.db, tenantID, query, "name ASC, external_id ASC")
	if err != nil {
		if errors.Is(err, errMissingTenantID) {
			return Page[Customer]{}, newServiceError(opListCustomers, "missing_tenant_id", err)
		}
		s.logError(opListCustomers, "query_failed", err, zap.String("tenant_id", tenantID))
		return Page[Customer]{}, newServiceError(opListCustomers, "query_failed", err)
	}
	return page, nil
}

// ListServices pages through the tenant's services ordered by description.
func (s *Store) ListServices(ctx context.Context, tenantID string, query ListQuery) (Page[Service], error) {
	page, err := listPage[Service](ctx, s.db, tenantID, query, "description ASC, external_id ASC")
	if err != nil {
		if errors.Is(err, errMissingTenantID) {
			return Page[Service]{}, newServiceError(opListServices, "missing_tenant_id", err)
		}
		s.logError(opListServices, "query_failed", err, zap.String("tenant_id", tenantID))
		return Page[Service]{}, newServiceError(opListServices, "query_failed", err)
	}
	return page, nil
}

func listPage[T any](ctx context.Context, db *gorm.DB, tenantID string, query ListQuery, order string) (Page[T], error) {
	if strings.TrimSpace(tenantID) == "" {
		return Page[T]{}, errMissingTenantID
	}
	query = query.normalized()

	var model T
	scoped := db.WithContext(ctx).Model(&model).Where("tenant_id = ?", tenantID)
	if query.Search != "" {
		pattern := "%" + searchEscaper.Replace(strings.ToLower(query.Search)) + "%"
		scoped = scoped.Where(`search_text LIKE ? ESCAPE '\'`, pattern)
	}

	var total int64
	if err := scoped.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return Page[T]{}, err
	}

	items := make([]T, 0, query.Limit)
	if err := scoped.Session(&gorm.Session{}).
		Order(order).
		Offset((query.Page - 1) * query.Limit).
		Limit(query.Limit).
		Find(&items).Error; err != nil {
		return Page[T]{}, err
	}

	totalPages := int(math.Ceil(float64(total) / float64(query.Limit)))
	if totalPages < 1 {
		totalPages = 1
	}
	return Page[T]{
		Items:      items,
		Total:      total,
		Page:       query.Page,
		Limit:      query.Limit,
		TotalPages: totalPages,
	}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("catalog store error", attrs...)
}
