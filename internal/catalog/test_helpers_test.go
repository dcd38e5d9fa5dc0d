package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"github.com/sigelo/sigelo/backend/internal/ids"
	"github.com/sigelo/sigelo/backend/internal/integrations"
	"github.com/sigelo/sigelo/backend/internal/reporting"
	"gorm.io/gorm"
)

var (
	testDatabaseSequence int64
	errStub              = errors.New("stub failure")
	syncTestNow          = time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC)
)

type syncFixture struct {
	db         *gorm.DB
	tokenStore *integrations.Store
	tokens     *integrations.TokenSource
	store      *Store
	fetcher    *stubFetcher
	reporter   *recordingReporter
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&testDatabaseSequence, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(append(Models(), &integrations.IntegrationToken{})...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	tokenStore, err := integrations.NewStore(integrations.StoreConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build token store: %v", err)
	}
	tokens, err := integrations.NewTokenSource(integrations.TokenSourceConfig{Store: tokenStore})
	if err != nil {
		t.Fatalf("failed to build token source: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build catalog store: %v", err)
	}
	return &syncFixture{
		db:         db,
		tokenStore: tokenStore,
		tokens:     tokens,
		store:      store,
		fetcher:    &stubFetcher{records: map[contaazul.ResourceType][]contaazul.Record{}},
		reporter:   &recordingReporter{},
	}
}

func (f *syncFixture) connect(t *testing.T, tenantID string) *integrations.IntegrationToken {
	t.Helper()
	token := &integrations.IntegrationToken{
		TenantID:     tenantID,
		Provider:     contaazul.ProviderName,
		AccessToken:  "access-" + tenantID,
		RefreshToken: "refresh-" + tenantID,
	}
	if err := f.tokenStore.Upsert(context.Background(), token); err != nil {
		t.Fatalf("failed to store token: %v", err)
	}
	return token
}

func (f *syncFixture) reconciler(t *testing.T, tokens TokenRepository, rows RowWriter) *Reconciler {
	t.Helper()
	if tokens == nil {
		tokens = f.tokens
	}
	if rows == nil {
		rows = f.store
	}
	reconciler, err := NewReconciler(ReconcilerConfig{
		Tokens:   tokens,
		Fetcher:  f.fetcher,
		Rows:     rows,
		Reporter: f.reporter,
		Clock:    func() time.Time { return syncTestNow },
	})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	return reconciler
}

func (f *syncFixture) metadata(t *testing.T, tenantID string) integrations.Metadata {
	t.Helper()
	token, err := f.tokenStore.Get(context.Background(), tenantID, contaazul.ProviderName)
	if err != nil {
		t.Fatalf("failed to load token: %v", err)
	}
	return token.Metadata.Data()
}

func (f *syncFixture) countRows(t *testing.T, model any, tenantID string) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(model).Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

type stubFetcher struct {
	records map[contaazul.ResourceType][]contaazul.Record
	err     error
	calls   int
	tokens  []string
	options []contaazul.FetchOptions
	during  func()
}

func (f *stubFetcher) FetchAll(_ context.Context, resource contaazul.ResourceType, accessToken string, opts contaazul.FetchOptions) ([]contaazul.Record, error) {
	f.calls++
	f.tokens = append(f.tokens, accessToken)
	f.options = append(f.options, opts)
	if f.during != nil {
		during := f.during
		f.during = nil
		during()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records[resource], nil
}

type recordingReporter struct {
	reports []reporting.SyncReport
}

func (r *recordingReporter) ReportSync(_ context.Context, report reporting.SyncReport) {
	r.reports = append(r.reports, report)
}

type failingRowWriter struct {
	RowWriter
	failOnCall int
	calls      int
}

func (w *failingRowWriter) UpsertCustomers(ctx context.Context, rows []Customer) error {
	w.calls++
	if w.calls == w.failOnCall {
		return errStub
	}
	return w.RowWriter.UpsertCustomers(ctx, rows)
}

type countingTokens struct {
	TokenRepository
	updates    []integrations.Metadata
	failUpdate bool
}

func (c *countingTokens) UpdateMetadata(ctx context.Context, tokenID string, metadata integrations.Metadata) error {
	c.updates = append(c.updates, metadata)
	if c.failUpdate {
		return errStub
	}
	return c.TokenRepository.UpdateMetadata(ctx, tokenID, metadata)
}

func customerRecords(prefix string, count int) []contaazul.Record {
	records := make([]contaazul.Record, 0, count)
	for index := 1; index <= count; index++ {
		records = append(records, contaazul.Record{
			"id":    fmt.Sprintf("%s-%d", prefix, index),
			"nome":  fmt.Sprintf("Cliente %d", index),
			"email": fmt.Sprintf("cliente%d@example.com", index),
		})
	}
	return records
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
