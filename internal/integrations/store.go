package integrations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"github.com/sigelo/sigelo/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrTokenNotFound indicates no token row exists for the tenant and provider.
	ErrTokenNotFound = errors.New("integrations: token not found")
	// ErrMissingAccessToken indicates the stored row carries no access token.
	ErrMissingAccessToken = errors.New("integrations: access token missing")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTenantID   = errors.New("tenant identifier is required")
	errMissingTokenID    = errors.New("token identifier is required")
	noOpLogger           = zap.NewNop()
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
	opStoreNew       = "integrations.store.new"
	opGetToken       = "integrations.get_token"
	opUpsertToken    = "integrations.upsert_token"
	opUpdateTokens   = "integrations.update_tokens"
	opUpdateMetadata = "integrations.update_metadata"
	opDeleteToken    = "integrations.delete_token"
	queryTenantProv  = "tenant_id = ? AND provider = ?"
	queryTokenID     = "id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the token store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Store persists IntegrationToken rows. There is at most one row per (tenant, provider).
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewStore validates the configuration and builds a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Get loads the token for tenantID and provider, or ErrTokenNotFound.
func (s *Store) Get(ctx context.Context, tenantID, provider string) (*IntegrationToken, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, newServiceError(opGetToken, "missing_tenant_id", errMissingTenantID)
	}
	var token IntegrationToken
	err := s.db.WithContext(ctx).Where(queryTenantProv, tenantID, provider).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		s.logError(opGetToken, "query_failed", err, zap.String("tenant_id", tenantID), zap.String("provider", provider))
		return nil, newServiceError(opGetToken, "query_failed", err)
	}
	return &token, nil
}

// Upsert inserts the token or, when the (tenant, provider) row exists, overwrites
// its credentials and account summary. Metadata of an existing row is kept.
// The stored row is loaded back into token.
func (s *Store) Upsert(ctx context.Context, token *IntegrationToken) error {
	if token == nil || strings.TrimSpace(token.TenantID) == "" {
		return newServiceError(opUpsertToken, "missing_tenant_id", errMissingTenantID)
	}
	if token.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opUpsertToken, "id_generation_failed", err)
		}
		token.ID = id
	}
	now := s.clock().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token",
			"refresh_token",
			"token_type",
			"scope",
			"expires_at",
			"account",
			"connected_by",
			"updated_at",
		}),
	}).Create(token).Error
	if err != nil {
		s.logError(opUpsertToken, "upsert_failed", err, zap.String("tenant_id", token.TenantID), zap.String("provider", token.Provider))
		return newServiceError(opUpsertToken, "upsert_failed", err)
	}

	stored, err := s.Get(ctx, token.TenantID, token.Provider)
	if err != nil {
		return err
	}
	*token = *stored
	return nil
}

// UpdateTokens replaces the credentials of the row identified by tokenID.
func (s *Store) UpdateTokens(ctx context.Context, tokenID string, refreshed contaazul.Token) error {
	if tokenID == "" {
		return newServiceError(opUpdateTokens, "missing_token_id", errMissingTokenID)
	}
	updates := map[string]any{
		"access_token": refreshed.AccessToken,
		"updated_at":   s.clock().UTC(),
	}
	if refreshed.RefreshToken != "" {
		updates["refresh_token"] = refreshed.RefreshToken
	}
	if refreshed.TokenType != "" {
		updates["token_type"] = refreshed.TokenType
	}
	if !refreshed.Expiry.IsZero() {
		updates["expires_at"] = refreshed.Expiry.UTC()
	}
	result := s.db.WithContext(ctx).Model(&IntegrationToken{}).Where(queryTokenID, tokenID).Updates(updates)
	if result.Error != nil {
		s.logError(opUpdateTokens, "update_failed", result.Error, zap.String("token_id", tokenID))
		return newServiceError(opUpdateTokens, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// UpdateMetadata replaces the metadata document of the row identified by tokenID.
func (s *Store) UpdateMetadata(ctx context.Context, tokenID string, metadata Metadata) error {
	if tokenID == "" {
		return newServiceError(opUpdateMetadata, "missing_token_id", errMissingTokenID)
	}
	result := s.db.WithContext(ctx).Model(&IntegrationToken{}).Where(queryTokenID, tokenID).Updates(map[string]any{
		"metadata":   datatypes.NewJSONType(metadata),
		"updated_at": s.clock().UTC(),
	})
	if result.Error != nil {
		s.logError(opUpdateMetadata, "update_failed", result.Error, zap.String("token_id", tokenID))
		return newServiceError(opUpdateMetadata, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// Delete removes the connection. It is only reached through an explicit disconnect.
func (s *Store) Delete(ctx context.Context, tenantID, provider string) error {
	if strings.TrimSpace(tenantID) == "" {
		return newServiceError(opDeleteToken, "missing_tenant_id", errMissingTenantID)
	}
	result := s.db.WithContext(ctx).Where(queryTenantProv, tenantID, provider).Delete(&IntegrationToken{})
	if result.Error != nil {
		s.logError(opDeleteToken, "delete_failed", result.Error, zap.String("tenant_id", tenantID))
		return newServiceError(opDeleteToken, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
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
	s.logger.Error("integrations store error", attrs...)
}
