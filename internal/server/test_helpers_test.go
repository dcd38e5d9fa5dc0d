package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sigelo/sigelo/backend/internal/auth"
	"github.com/sigelo/sigelo/backend/internal/catalog"
	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"github.com/sigelo/sigelo/backend/internal/integrations"
	"github.com/sigelo/sigelo/backend/internal/reporting"
	"github.com/sigelo/sigelo/backend/internal/users"
	"go.uber.org/zap"
)

const (
	testTenantID = "tenant-1"
	testUserID   = "user-1"
)

type stubSessions struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessions) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubMembers struct {
	member users.Member
	err    error
}

func (s stubMembers) ResolveMember(context.Context, auth.SessionClaims) (users.Member, error) {
	return s.member, s.err
}

type stubConnections struct {
	token      *integrations.IntegrationToken
	getErr     error
	deleteErr  error
	deletedFor []string
}

func (s *stubConnections) Get(_ context.Context, tenantID, _ string) (*integrations.IntegrationToken, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.token == nil || s.token.TenantID != tenantID {
		return nil, integrations.ErrTokenNotFound
	}
	return s.token, nil
}

func (s *stubConnections) Delete(_ context.Context, tenantID, _ string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletedFor = append(s.deletedFor, tenantID)
	return nil
}

type syncCall struct {
	resource contaazul.ResourceType
	request  catalog.SyncRequest
}

type stubSyncer struct {
	result catalog.SyncResult
	err    error
	calls  []syncCall
}

func (s *stubSyncer) Sync(_ context.Context, resource contaazul.ResourceType, req catalog.SyncRequest) (catalog.SyncResult, error) {
	s.calls = append(s.calls, syncCall{resource: resource, request: req})
	return s.result, s.err
}

type stubCatalog struct {
	customers catalog.Page[catalog.Customer]
	services  catalog.Page[catalog.Service]
	err       error
	tenant    string
	query     catalog.ListQuery
}

func (s *stubCatalog) ListCustomers(_ context.Context, tenantID string, query catalog.ListQuery) (catalog.Page[catalog.Customer], error) {
	s.tenant, s.query = tenantID, query
	return s.customers, s.err
}

func (s *stubCatalog) ListServices(_ context.Context, tenantID string, query catalog.ListQuery) (catalog.Page[catalog.Service], error) {
	s.tenant, s.query = tenantID, query
	return s.services, s.err
}

type recordingInvalidator struct {
	published []reporting.Invalidation
}

func (r *recordingInvalidator) Publish(_ context.Context, invalidation reporting.Invalidation) error {
	r.published = append(r.published, invalidation)
	return nil
}

type stubOAuthProvider struct {
	exchanged int
}

func (p *stubOAuthProvider) AuthCodeURL(state string) string {
	return "https://auth.example.com/authorize?state=" + state
}

func (p *stubOAuthProvider) Exchange(context.Context, string) (contaazul.Token, error) {
	p.exchanged++
	return contaazul.Token{AccessToken: "access"}, nil
}

func (p *stubOAuthProvider) FetchAccount(context.Context, string) (contaazul.Account, error) {
	return contaazul.Account{}, nil
}

type stubTokenWriter struct {
	written []*integrations.IntegrationToken
}

func (w *stubTokenWriter) Upsert(_ context.Context, token *integrations.IntegrationToken) error {
	w.written = append(w.written, token)
	return nil
}

type testRouter struct {
	deps        Dependencies
	connections *stubConnections
	syncer      *stubSyncer
	catalog     *stubCatalog
	invalidator *recordingInvalidator
	dispatcher  *reporting.Dispatcher
}

func memberWithRoles(roles ...string) users.Member {
	return users.Member{TenantID: testTenantID, UserID: testUserID, Roles: roles}
}

func newTestRouter(t *testing.T, member users.Member) *testRouter {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := &testRouter{
		connections: &stubConnections{},
		syncer:      &stubSyncer{},
		catalog:     &stubCatalog{},
		invalidator: &recordingInvalidator{},
		dispatcher:  reporting.NewDispatcher(),
	}
	fixture.deps = Dependencies{
		Sessions:    stubSessions{claims: auth.SessionClaims{UserID: member.UserID, TenantID: member.TenantID}},
		Members:     stubMembers{member: member},
		Connections: fixture.connections,
		Syncer:      fixture.syncer,
		Catalog:     fixture.catalog,
		Events:      fixture.dispatcher,
		Invalidator: fixture.invalidator,
		Logger:      zap.NewNop(),
	}
	return fixture
}

func (f *testRouter) withFlow(t *testing.T, provider integrations.OAuthProvider, tokens integrations.TokenWriter) {
	t.Helper()
	flow, err := integrations.NewFlowController(integrations.FlowConfig{
		StateSecret:      []byte("state-secret"),
		IntegrationsPath: "/integrations",
		LoginPath:        "/login",
	}, provider, tokens)
	if err != nil {
		t.Fatalf("failed to build flow controller: %v", err)
	}
	f.deps.Flow = flow
}

func (f *testRouter) handler(t *testing.T) http.Handler {
	t.Helper()
	handler, err := NewHTTPHandler(f.deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}

func (f *testRouter) serve(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	f.handler(t).ServeHTTP(recorder, request)
	return recorder
}
