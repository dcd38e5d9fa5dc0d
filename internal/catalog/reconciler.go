package catalog

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"github.com/sigelo/sigelo/backend/internal/integrations"
	"github.com/sigelo/sigelo/backend/internal/metrics"
	"github.com/sigelo/sigelo/backend/internal/reporting"
	"go.uber.org/zap"
)

// MessageNotConnected is returned when a tenant has no usable provider token.
const MessageNotConnected = "Nenhum token do Conta Azul encontrado para esta empresa. Conecte a integração primeiro."

// DefaultChunkSize bounds the rows written by a single upsert statement.
const DefaultChunkSize = 100

const (
	opSyncCustomers = "catalog.sync_customers"
	opSyncServices  = "catalog.sync_services"

	statusSuccess = "success"
	statusError   = "error"
)

// ErrNotConnected indicates the tenant must connect the integration before syncing.
var ErrNotConnected = errors.New(MessageNotConnected)

// TokenRepository loads the tenant token and persists its sync metadata.
type TokenRepository interface {
	Load(ctx context.Context, tenantID string) (*integrations.IntegrationToken, error)
	UpdateMetadata(ctx context.Context, tokenID string, metadata integrations.Metadata) error
}

// RemoteFetcher returns a complete remote collection or an error.
type RemoteFetcher interface {
	FetchAll(ctx context.Context, resource contaazul.ResourceType, accessToken string, opts contaazul.FetchOptions) ([]contaazul.Record, error)
}

// RowWriter upserts one chunk of synced rows.
type RowWriter interface {
	UpsertCustomers(ctx context.Context, rows []Customer) error
	UpsertServices(ctx context.Context, rows []Service) error
}

// SyncReporter receives successful runs. It must not fail the sync.
type SyncReporter interface {
	ReportSync(ctx context.Context, report reporting.SyncReport)
}

// SyncRequest identifies the tenant to sync and the user who asked for it.
type SyncRequest struct {
	TenantID string
	ActorID  string
}

// SyncResult is returned for a completed run.
type SyncResult struct {
	Success     bool `json:"success"`
	SyncedCount int  `json:"syncedCount"`
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Tokens    TokenRepository
	Fetcher   RemoteFetcher
	Rows      RowWriter
	Reporter  SyncReporter
	Provider  string
	ChunkSize int
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.SyncMetrics
}

// Reconciler mirrors remote customer and service collections into the local store.
type Reconciler struct {
	tokens    TokenRepository
	fetcher   RemoteFetcher
	rows      RowWriter
	reporter  SyncReporter
	provider  string
	chunkSize int
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.SyncMetrics
}

// NewReconciler validates cfg and builds a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Tokens == nil || cfg.Fetcher == nil || cfg.Rows == nil {
		return nil, errors.New("catalog: tokens, fetcher and rows are required")
	}
	provider := cfg.Provider
	if provider == "" {
		provider = contaazul.ProviderName
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	syncMetrics := cfg.Metrics
	if syncMetrics == nil {
		syncMetrics = metrics.Nop()
	}
	return &Reconciler{
		tokens:    cfg.Tokens,
		fetcher:   cfg.Fetcher,
		rows:      cfg.Rows,
		reporter:  cfg.Reporter,
		provider:  provider,
		chunkSize: chunkSize,
		clock:     clock,
		logger:    logger,
		metrics:   syncMetrics,
	}, nil
}

// resourcePlan holds what differs between resource types.
type resourcePlan struct {
	operation string
	resource  contaazul.ResourceType
	options   contaazul.FetchOptions
	write     func(r *Reconciler, ctx context.Context, tenantID string, records []contaazul.Record, syncedAt time.Time) (int, error)
}

var (
	customersPlan = resourcePlan{
		operation: opSyncCustomers,
		resource:  contaazul.ResourceCustomers,
		options: contaazul.FetchOptions{
			PageSize: 100,
			MaxPages: 500,
			Filters:  url.Values{"tipo_perfil": {"Cliente"}, "com_endereco": {"true"}},
		},
		write: (*Reconciler).writeCustomers,
	}
	servicesPlan = resourcePlan{
		operation: opSyncServices,
		resource:  contaazul.ResourceServices,
		options:   contaazul.FetchOptions{PageSize: 100, MaxPages: 200},
		write:     (*Reconciler).writeServices,
	}
)

// SyncCustomers mirrors the tenant's provider customers.
func (r *Reconciler) SyncCustomers(ctx context.Context, req SyncRequest) (SyncResult, error) {
	return r.sync(ctx, customersPlan, req)
}

// SyncServices mirrors the tenant's provider service catalogue.
func (r *Reconciler) SyncServices(ctx context.Context, req SyncRequest) (SyncResult, error) {
	return r.sync(ctx, servicesPlan, req)
}

// Sync dispatches on resource.
func (r *Reconciler) Sync(ctx context.Context, resource contaazul.ResourceType, req SyncRequest) (SyncResult, error) {
	switch resource {
	case contaazul.ResourceCustomers:
		return r.SyncCustomers(ctx, req)
	case contaazul.ResourceServices:
		return r.SyncServices(ctx, req)
	default:
		return SyncResult{}, contaazul.ErrUnknownResource
	}
}

// metadataWriteState tracks whether this run already wrote the token metadata.
// At most one metadata write happens per run.
type metadataWriteState int

const (
	metadataNotAttempted metadataWriteState = iota
	metadataWritten
)

// syncRun is the state of one invocation, captured before anything is mutated.
type syncRun struct {
	plan      resourcePlan
	request   SyncRequest
	token     *integrations.IntegrationToken
	snapshot  integrations.Metadata
	timestamp time.Time
	metadata  metadataWriteState
}

func (r *Reconciler) sync(ctx context.Context, plan resourcePlan, req SyncRequest) (SyncResult, error) {
	started := r.clock()
	defer func() {
		r.metrics.SyncDuration.WithLabelValues(string(plan.resource)).Observe(r.clock().Sub(started).Seconds())
	}()

	token, err := r.tokens.Load(ctx, req.TenantID)
	if err != nil {
		r.metrics.SyncRuns.WithLabelValues(string(plan.resource), statusError).Inc()
		if errors.Is(err, integrations.ErrTokenNotFound) || errors.Is(err, integrations.ErrMissingAccessToken) {
			return SyncResult{}, newServiceError(plan.operation, "not_connected", ErrNotConnected)
		}
		r.logError(plan.operation, "token_load_failed", err, zap.String("tenant_id", req.TenantID))
		return SyncResult{}, newServiceError(plan.operation, "token_load_failed", err)
	}

	run := &syncRun{
		plan:      plan,
		request:   req,
		token:     token,
		snapshot:  token.Metadata.Data(),
		timestamp: r.clock().UTC(),
		metadata:  metadataNotAttempted,
	}

	records, err := r.fetcher.FetchAll(ctx, plan.resource, token.AccessToken, plan.options)
	if err != nil {
		return SyncResult{}, r.fail(ctx, run, "fetch_failed", err)
	}

	count, err := plan.write(r, ctx, req.TenantID, records, run.timestamp)
	if err != nil {
		return SyncResult{}, r.fail(ctx, run, "upsert_failed", err)
	}

	history := run.snapshot.History(plan.resource).Succeeded(run.timestamp, req.ActorID, count)
	run.metadata = metadataWritten
	if err := r.tokens.UpdateMetadata(ctx, token.ID, run.snapshot.WithHistory(plan.resource, history)); err != nil {
		return SyncResult{}, r.fail(ctx, run, "metadata_update_failed", err)
	}

	r.metrics.SyncRuns.WithLabelValues(string(plan.resource), statusSuccess).Inc()
	r.metrics.SyncRecords.WithLabelValues(string(plan.resource)).Add(float64(count))
	r.logger.Info("sync completed",
		zap.String("operation", plan.operation),
		zap.String("tenant_id", req.TenantID),
		zap.String("actor_id", req.ActorID),
		zap.Int("synced_count", count))

	if r.reporter != nil {
		r.reporter.ReportSync(ctx, reporting.SyncReport{
			TenantID: req.TenantID,
			ActorID:  req.ActorID,
			Provider: r.provider,
			Resource: plan.resource,
			Count:    count,
			SyncedAt: run.timestamp,
		})
	}
	return SyncResult{Success: true, SyncedCount: count}, nil
}

// fail records the error history unless this run already wrote metadata, then
// returns the wrapped cause.
func (r *Reconciler) fail(ctx context.Context, run *syncRun, reason string, cause error) error {
	r.metrics.SyncRuns.WithLabelValues(string(run.plan.resource), statusError).Inc()
	r.logError(run.plan.operation, reason, cause,
		zap.String("tenant_id", run.request.TenantID),
		zap.String("actor_id", run.request.ActorID))

	if run.metadata == metadataNotAttempted {
		run.metadata = metadataWritten
		history := run.snapshot.History(run.plan.resource).Failed(r.clock(), run.request.ActorID, cause)
		if err := r.tokens.UpdateMetadata(ctx, run.token.ID, run.snapshot.WithHistory(run.plan.resource, history)); err != nil {
			r.logError(run.plan.operation, "error_metadata_update_failed", err, zap.String("tenant_id", run.request.TenantID))
		}
	}
	return newServiceError(run.plan.operation, reason, cause)
}

func (r *Reconciler) writeCustomers(ctx context.Context, tenantID string, records []contaazul.Record, syncedAt time.Time) (int, error) {
	rows := make([]Customer, 0, len(records))
	for _, record := range records {
		row, err := customerFromRecord(tenantID, record, syncedAt)
		if errors.Is(err, ErrMissingExternalID) {
			r.logger.Warn("skipping remote customer without id", zap.String("tenant_id", tenantID))
			continue
		}
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	rows, duplicates := dedupeByExternalID(rows, func(row Customer) string { return row.ExternalID })
	if duplicates > 0 {
		r.logger.Warn("collapsed duplicate remote customers", zap.String("tenant_id", tenantID), zap.Int("duplicates", duplicates))
	}
	if err := upsertInChunks(ctx, rows, r.chunkSize, r.rows.UpsertCustomers); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *Reconciler) writeServices(ctx context.Context, tenantID string, records []contaazul.Record, syncedAt time.Time) (int, error) {
	rows := make([]Service, 0, len(records))
	for _, record := range records {
		row, err := serviceFromRecord(tenantID, record, syncedAt)
		if errors.Is(err, ErrMissingExternalID) {
			r.logger.Warn("skipping remote service without id", zap.String("tenant_id", tenantID))
			continue
		}
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	rows, duplicates := dedupeByExternalID(rows, func(row Service) string { return row.ExternalID })
	if duplicates > 0 {
		r.logger.Warn("collapsed duplicate remote services", zap.String("tenant_id", tenantID), zap.Int("duplicates", duplicates))
	}
	if err := upsertInChunks(ctx, rows, r.chunkSize, r.rows.UpsertServices); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// dedupeByExternalID collapses rows sharing an external id. The last record
// wins and keeps the position of the first occurrence.
func dedupeByExternalID[T any](rows []T, key func(T) string) ([]T, int) {
	positions := make(map[string]int, len(rows))
	unique := make([]T, 0, len(rows))
	for _, row := range rows {
		if position, seen := positions[key(row)]; seen {
			unique[position] = row
			continue
		}
		positions[key(row)] = len(unique)
		unique = append(unique, row)
	}
	return unique, len(rows) - len(unique)
}

// upsertInChunks writes rows in order and stops at the first failing chunk.
// Chunks written before the failure stay committed.
func upsertInChunks[T any](ctx context.Context, rows []T, chunkSize int, upsert func(context.Context, []T) error) error {
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := upsert(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("catalog sync error", attrs...)
}
