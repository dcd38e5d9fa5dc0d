// Package reporting records the side effects of a finished sync: an audit
// row and invalidation signals for the views that show synced data.
package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"github.com/sigelo/sigelo/backend/internal/ids"
	"github.com/sigelo/sigelo/backend/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActionIntegrationSync is the audit action written for every successful sync.
const ActionIntegrationSync = "integration.sync"

const (
	stageAudit      = "audit"
	stageInvalidate = "invalidate"
)

// AuditEntry is one row of the tenant audit trail.
type AuditEntry struct {
	ID        string         `gorm:"column:id;primaryKey;size:36;not null" json:"id"`
	TenantID  string         `gorm:"column:tenant_id;size:190;not null;index:idx_audit_logs_tenant_created,priority:1" json:"tenantId"`
	ActorID   string         `gorm:"column:actor_id;size:190;not null;default:''" json:"actorId"`
	Action    string         `gorm:"column:action;size:64;not null" json:"action"`
	Entity    string         `gorm:"column:entity;size:128;not null" json:"entity"`
	Details   datatypes.JSON `gorm:"column:details" json:"details"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;index:idx_audit_logs_tenant_created,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "audit_logs"
}

// SyncReport describes a successful sync run.
type SyncReport struct {
	TenantID string
	ActorID  string
	Provider string
	Resource contaazul.ResourceType
	Count    int
	SyncedAt time.Time
}

type syncDetails struct {
	Provider string    `json:"provider"`
	Resource string    `json:"resource"`
	Count    int       `json:"count"`
	SyncedAt time.Time `json:"synced_at"`
}

// ReporterConfig wires a Reporter. Invalidator may be nil when nobody listens.
type ReporterConfig struct {
	Database    *gorm.DB
	IDProvider  ids.Provider
	Invalidator Invalidator
	Clock       func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.SyncMetrics
}

// Reporter writes the audit row and signals stale views after a sync.
type Reporter struct {
	db          *gorm.DB
	idProvider  ids.Provider
	invalidator Invalidator
	clock       func() time.Time
	logger      *zap.Logger
	metrics     *metrics.SyncMetrics
}

// NewReporter validates cfg and builds a Reporter.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Database == nil {
		return nil, errors.New("reporting: database handle is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("reporting: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	syncMetrics := cfg.Metrics
	if syncMetrics == nil {
		syncMetrics = metrics.Nop()
	}
	return &Reporter{
		db:          cfg.Database,
		idProvider:  cfg.IDProvider,
		invalidator: cfg.Invalidator,
		clock:       clock,
		logger:      logger,
		metrics:     syncMetrics,
	}, nil
}

// ReportSync records report. Failures are logged and counted, never returned.
func (r *Reporter) ReportSync(ctx context.Context, report SyncReport) {
	if err := r.writeAudit(ctx, report); err != nil {
		r.metrics.ReporterFailures.WithLabelValues(stageAudit).Inc()
		r.logger.Error("sync audit write failed",
			zap.String("tenant_id", report.TenantID),
			zap.String("resource", string(report.Resource)),
			zap.Error(err))
	}

	if r.invalidator == nil {
		return
	}
	invalidation := Invalidation{
		TenantID:  report.TenantID,
		Paths:     []string{resourcePath(report.Resource), PathIntegrations},
		Reason:    ActionIntegrationSync,
		Timestamp: r.clock().UTC(),
	}
	if err := r.invalidator.Publish(ctx, invalidation); err != nil {
		r.metrics.ReporterFailures.WithLabelValues(stageInvalidate).Inc()
		r.logger.Warn("sync invalidation failed",
			zap.String("tenant_id", report.TenantID),
			zap.Strings("paths", invalidation.Paths),
			zap.Error(err))
	}
}

func (r *Reporter) writeAudit(ctx context.Context, report SyncReport) error {
	id, err := r.idProvider.NewID()
	if err != nil {
		return err
	}
	details, err := json.Marshal(syncDetails{
		Provider: report.Provider,
		Resource: string(report.Resource),
		Count:    report.Count,
		SyncedAt: report.SyncedAt.UTC(),
	})
	if err != nil {
		return err
	}
	entry := AuditEntry{
		ID:        id,
		TenantID:  report.TenantID,
		ActorID:   report.ActorID,
		Action:    ActionIntegrationSync,
		Entity:    report.Provider + "." + string(report.Resource),
		Details:   datatypes.JSON(details),
		CreatedAt: r.clock().UTC(),
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

func resourcePath(resource contaazul.ResourceType) string {
	if resource == contaazul.ResourceServices {
		return PathServices
	}
	return PathCustomers
}
