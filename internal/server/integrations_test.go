package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"github.com/sigelo/sigelo/backend/internal/integrations"
	"github.com/sigelo/sigelo/backend/internal/reporting"
	"github.com/sigelo/sigelo/backend/internal/users"
	"gorm.io/datatypes"
)

func TestAuthorizeAndCallbackRoundTrip(t *testing.T) {
	fixture := newTestRouter(t, memberWithRoles(users.RoleManager))
	provider := &stubOAuthProvider{}
	tokens := &stubTokenWriter{}
	fixture.withFlow(t, provider, tokens)
	handler := fixture.handler(t)

	authorize := httptest.NewRecorder()
	handler.ServeHTTP(authorize, httptest.NewRequest(http.MethodGet, "/integrations/contaazul/authorize?return_to=%2Fclients", http.NoBody))
	if authorize.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", authorize.Code)
	}
	location, err := url.Parse(authorize.Header().Get("Location"))
	if err != nil || location.Host != "auth.example.com" {
		t.Fatalf("unexpected authorize location %q", authorize.Header().Get("Location"))
	}
	issued := authorize.Result().Cookies()
	if len(issued) != 2 {
		t.Fatalf("expected state and return cookies, got %d", len(issued))
	}

	callback := httptest.NewRequest(http.MethodGet, "/integrations/contaazul/callback?code=abc&state="+url.QueryEscape(location.Query().Get("state")), http.NoBody)
	for _, cookie := range issued {
		callback.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	completed := httptest.NewRecorder()
	handler.ServeHTTP(completed, callback)

	if completed.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", completed.Code)
	}
	if got := completed.Header().Get("Location"); got != "/clients?status=connected" {
		t.Fatalf("unexpected callback redirect %q", got)
	}
	if provider.exchanged != 1 || len(tokens.written) != 1 || tokens.written[0].TenantID != testTenantID {
		t.Fatalf("expected one exchange and one stored token, got %d/%d", provider.exchanged, len(tokens.written))
	}
	assertFlowCookiesCleared(t, completed)
}

func TestCallbackClearsCookiesOnRejection(t *testing.T) {
	fixture := newTestRouter(t, memberWithRoles(users.RoleManager))
	provider := &stubOAuthProvider{}
	tokens := &stubTokenWriter{}
	fixture.withFlow(t, provider, tokens)

	request := httptest.NewRequest(http.MethodGet, "/integrations/contaazul/callback?code=abc&state=forged", http.NoBody)
	request.AddCookie(&http.Cookie{Name: integrations.StateCookieName, Value: "not-an-envelope"})
	recorder := fixture.serve(t, request)

	if recorder.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", recorder.Code)
	}
	location, err := url.Parse(recorder.Header().Get("Location"))
	if err != nil || location.Path != "/integrations" || location.Query().Get("error") == "" {
		t.Fatalf("expected error redirect, got %q", recorder.Header().Get("Location"))
	}
	if provider.exchanged != 0 || len(tokens.written) != 0 {
		t.Fatalf("rejected callback must not exchange or persist")
	}
	assertFlowCookiesCleared(t, recorder)
}

func TestAuthorizeRedirectsAnonymousCallerToLogin(t *testing.T) {
	fixture := newTestRouter(t, memberWithRoles(users.RoleManager))
	fixture.deps.Members = stubMembers{err: users.ErrNoMembership}
	fixture.withFlow(t, &stubOAuthProvider{}, &stubTokenWriter{})

	recorder := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/integrations/contaazul/authorize", http.NoBody))
	if got := recorder.Header().Get("Location"); got != "/login?redirect=%2Fintegrations" {
		t.Fatalf("unexpected redirect %q", got)
	}
	if len(recorder.Result().Cookies()) != 0 {
		t.Fatalf("anonymous initiation must not set cookies")
	}
}

func TestAuthorizeRejectsViewer(t *testing.T) {
	fixture := newTestRouter(t, memberWithRoles(users.RoleViewer))
	fixture.withFlow(t, &stubOAuthProvider{}, &stubTokenWriter{})

	recorder := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/integrations/contaazul/authorize", http.NoBody))
	location, err := url.Parse(recorder.Header().Get("Location"))
	if err != nil || location.Query().Get("error") != messageForbiddenConnect {
		t.Fatalf("expected forbidden redirect, got %q", recorder.Header().Get("Location"))
	}
}

func TestAuthorizeWithoutConfiguredProvider(t *testing.T) {
	fixture := newTestRouter(t, memberWithRoles(users.RoleAdmin))

	recorder := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/integrations/contaazul/authorize", http.NoBody))
	location, err := url.Parse(recorder.Header().Get("Location"))
	if err != nil || location.Query().Get("error") != integrations.MessageNotConfigured {
		t.Fatalf("expected not configured redirect, got %q", recorder.Header().Get("Location"))
	}

	unknown := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/integrations/omie/authorize", http.NoBody))
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", unknown.Code)
	}
}

func TestIntegrationStatusReportsFlatMetadata(t *testing.T) {
	fixture := newTestRouter(t, memberWithRoles(users.RoleViewer))

	notConnected := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/integrations/contaazul", http.NoBody))
	var empty integrationStatusPayload
	if err := json.Unmarshal(notConnected.Body.Bytes(), &empty); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if notConnected.Code != http.StatusOK || empty.Connected || empty.Configured {
		t.Fatalf("unexpected status for missing connection: %d %+v", notConnected.Code, empty)
	}

	syncedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	metadata := integrations.Metadata{}.WithHistory(contaazul.ResourceCustomers, integrations.SyncHistory{}.Succeeded(syncedAt, testUserID, 42))
	name := "Oficina Azul"
	fixture.connections.token = &integrations.IntegrationToken{
		TenantID:    testTenantID,
		Provider:    contaazul.ProviderName,
		AccessToken: "secret-access",
		Account:     datatypes.NewJSONType(integrations.AccountSummary{Name: &name}),
		Metadata:    datatypes.NewJSONType(metadata),
		ConnectedBy: testUserID,
	}

	connected := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/integrations/contaazul", http.NoBody))
	if strings.Contains(connected.Body.String(), "secret-access") {
		t.Fatalf("status must never expose credentials")
	}
	var payload integrationStatusPayload
	if err := json.Unmarshal(connected.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if !payload.Connected || payload.Account == nil || *payload.Account.Name != name {
		t.Fatalf("unexpected status payload: %+v", payload)
	}
	if payload.Metadata["last_sync_status"] != "success" || payload.Metadata["last_sync_count"] != float64(42) {
		t.Fatalf("unexpected metadata: %v", payload.Metadata)
	}
	if _, ok := payload.Metadata["last_services_synced_at"]; !ok {
		t.Fatalf("expected services keys to be present, got %v", payload.Metadata)
	}
}

func TestDisconnectRequiresRoleAndPublishesInvalidation(t *testing.T) {
	viewer := newTestRouter(t, memberWithRoles(users.RoleViewer))
	forbidden := viewer.serve(t, httptest.NewRequest(http.MethodDelete, "/integrations/contaazul", http.NoBody))
	if forbidden.Code != http.StatusForbidden || len(viewer.connections.deletedFor) != 0 {
		t.Fatalf("viewer must not disconnect, got %d", forbidden.Code)
	}

	admin := newTestRouter(t, memberWithRoles(users.RoleAdmin))
	recorder := admin.serve(t, httptest.NewRequest(http.MethodDelete, "/integrations/contaazul", http.NoBody))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if len(admin.connections.deletedFor) != 1 || admin.connections.deletedFor[0] != testTenantID {
		t.Fatalf("unexpected deletes: %v", admin.connections.deletedFor)
	}
	if len(admin.invalidator.published) != 1 || admin.invalidator.published[0].Paths[0] != reporting.PathIntegrations {
		t.Fatalf("expected integrations invalidation, got %+v", admin.invalidator.published)
	}

	admin.connections.deleteErr = integrations.ErrTokenNotFound
	missing := admin.serve(t, httptest.NewRequest(http.MethodDelete, "/integrations/contaazul", http.NoBody))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing connection, got %d", missing.Code)
	}

	admin.connections.deleteErr = errors.New("database locked")
	failed := admin.serve(t, httptest.NewRequest(http.MethodDelete, "/integrations/contaazul", http.NoBody))
	if failed.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", failed.Code)
	}
}

func assertFlowCookiesCleared(t *testing.T, recorder *httptest.ResponseRecorder) {
	t.Helper()
	cleared := map[string]bool{}
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.MaxAge < 0 && cookie.Value == "" {
			cleared[cookie.Name] = true
		}
	}
	if !cleared[integrations.StateCookieName] || !cleared[integrations.ReturnToCookieName] {
		t.Fatalf("expected both flow cookies to be cleared, got %v", recorder.Result().Cookies())
	}
}
