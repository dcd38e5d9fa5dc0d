package integrations

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
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDatabaseSequence int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&testDatabaseSequence, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&IntegrationToken{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type sequenceIDProvider struct {
	next int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("token-%d", atomic.AddInt64(&p.next, 1)), nil
}

func newTestStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Database:   openTestDatabase(t),
		Clock:      clock,
		IDProvider: &sequenceIDProvider{},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time {
		return at
	}
}

type stubProvider struct {
	authURL       string
	token         contaazul.Token
	exchangeErr   error
	account       contaazul.Account
	accountErr    error
	exchangeCalls int
	exchangedCode string
}

func (p *stubProvider) AuthCodeURL(state string) string {
	if p.authURL == "" {
		return "https://auth.example.com/authorize?state=" + state
	}
	return p.authURL + "?state=" + state
}

func (p *stubProvider) Exchange(_ context.Context, code string) (contaazul.Token, error) {
	p.exchangeCalls++
	p.exchangedCode = code
	if p.exchangeErr != nil {
		return contaazul.Token{}, p.exchangeErr
	}
	return p.token, nil
}

func (p *stubProvider) FetchAccount(context.Context, string) (contaazul.Account, error) {
	if p.accountErr != nil {
		return contaazul.Account{}, p.accountErr
	}
	return p.account, nil
}

type recordingTokenWriter struct {
	upserts []*IntegrationToken
	err     error
}

func (w *recordingTokenWriter) Upsert(_ context.Context, token *IntegrationToken) error {
	if w.err != nil {
		return w.err
	}
	w.upserts = append(w.upserts, token)
	return nil
}

type stubRefresher struct {
	token contaazul.Token
	err   error
	calls int
}

func (r *stubRefresher) Refresh(context.Context, string) (contaazul.Token, error) {
	r.calls++
	if r.err != nil {
		return contaazul.Token{}, r.err
	}
	return r.token, nil
}

var errStub = errors.New("stub failure")

func stringPointer(value string) *string {
	return &value
}
