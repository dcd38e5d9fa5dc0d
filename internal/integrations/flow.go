package integrations

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// User facing messages carried in the error query parameter.
const (
	MessageNotConfigured    = "A integração com o Conta Azul não está configurada."
	MessageInvalidSession   = "Sessão de autorização inválida. Inicie a conexão novamente."
	MessageStateExpired     = "A validação de segurança da autorização expirou. Tente conectar novamente."
	MessageIdentityMismatch = "A autorização foi iniciada por outro usuário ou empresa. Tente conectar novamente."
	MessageExchangeFailed   = "Não foi possível concluir a conexão com o Conta Azul. Tente novamente."
	MessagePersistFailed    = "A conexão foi autorizada, mas não foi possível salvar as credenciais. Tente novamente."
	messageProviderDenied   = "O Conta Azul recusou a autorização"
)

const (
	queryError    = "error"
	queryStatus   = "status"
	queryRedirect = "redirect"
	statusOK      = "connected"
)

var (
	errMissingStateSecret = errors.New("state secret is required")
	errMissingProvider    = errors.New("oauth provider is required")
	errMissingTokenWriter = errors.New("token writer is required")
	errMissingPaths       = errors.New("integrations and login paths are required")
)

// Identity is the authenticated caller as seen by the integration layer.
type Identity struct {
	TenantID string
	UserID   string
}

// OAuthProvider is the provider side of the authorization-code flow.
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (contaazul.Token, error)
	FetchAccount(ctx context.Context, accessToken string) (contaazul.Account, error)
}

// TokenWriter persists the token obtained at the end of the flow.
type TokenWriter interface {
	Upsert(ctx context.Context, token *IntegrationToken) error
}

// Outcome is the terminal state of a callback.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "SUCCEEDED"
	OutcomeStateMismatch    Outcome = "STATE_MISMATCH"
	OutcomeProviderError    Outcome = "PROVIDER_ERROR"
	OutcomeIdentityMismatch Outcome = "IDENTITY_MISMATCH"
	OutcomeExchangeFailure  Outcome = "EXCHANGE_FAILURE"
	OutcomePersistFailure   Outcome = "PERSIST_FAILURE"
)

// FlowConfig configures the authorization round trip.
type FlowConfig struct {
	Provider         string
	StateSecret      []byte
	SecureCookies    bool
	IntegrationsPath string
	LoginPath        string
	Clock            func() time.Time
	Logger           *zap.Logger
}

// FlowController issues authorization redirects and completes callbacks.
type FlowController struct {
	providerName     string
	provider         OAuthProvider
	tokens           TokenWriter
	codec            envelopeCodec
	secureCookies    bool
	integrationsPath string
	loginPath        string
	clock            func() time.Time
	logger           *zap.Logger
}

// NewFlowController validates cfg and builds a controller.
func NewFlowController(cfg FlowConfig, provider OAuthProvider, tokens TokenWriter) (*FlowController, error) {
	if len(cfg.StateSecret) == 0 {
		return nil, errMissingStateSecret
	}
	if provider == nil {
		return nil, errMissingProvider
	}
	if tokens == nil {
		return nil, errMissingTokenWriter
	}
	integrationsPath := strings.TrimSpace(cfg.IntegrationsPath)
	loginPath := strings.TrimSpace(cfg.LoginPath)
	if !strings.HasPrefix(integrationsPath, "/") || !strings.HasPrefix(loginPath, "/") {
		return nil, errMissingPaths
	}
	providerName := strings.TrimSpace(cfg.Provider)
	if providerName == "" {
		providerName = contaazul.ProviderName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &FlowController{
		providerName:     providerName,
		provider:         provider,
		tokens:           tokens,
		codec:            envelopeCodec{secret: append([]byte(nil), cfg.StateSecret...), clock: clock},
		secureCookies:    cfg.SecureCookies,
		integrationsPath: integrationsPath,
		loginPath:        loginPath,
		clock:            clock,
		logger:           logger,
	}, nil
}

// InitiateResult is the redirect to follow and the cookies to set.
type InitiateResult struct {
	RedirectURL string
	Cookies     []*http.Cookie
}

// Initiate starts an authorization attempt for identity. It never mutates stored state.
func (f *FlowController) Initiate(identity *Identity, returnTo string) InitiateResult {
	if identity == nil || identity.TenantID == "" || identity.UserID == "" {
		return InitiateResult{RedirectURL: withQuery(f.loginPath, queryRedirect, f.integrationsPath)}
	}

	nonce, err := newStateNonce()
	if err != nil {
		f.logger.Error("oauth state generation failed", zap.Error(err))
		return InitiateResult{RedirectURL: f.errorRedirect(MessageNotConfigured)}
	}
	encoded, err := f.codec.encode(Envelope{
		State:    nonce,
		TenantID: identity.TenantID,
		UserID:   identity.UserID,
		IssuedAt: f.clock().UnixMilli(),
	})
	if err != nil {
		f.logger.Error("oauth state encoding failed", zap.Error(err))
		return InitiateResult{RedirectURL: f.errorRedirect(MessageNotConfigured)}
	}
	authURL := f.provider.AuthCodeURL(nonce)
	if authURL == "" {
		return InitiateResult{RedirectURL: f.errorRedirect(MessageNotConfigured)}
	}

	target := sanitizeReturnTo(returnTo, f.integrationsPath)
	return InitiateResult{
		RedirectURL: authURL,
		Cookies: []*http.Cookie{
			newFlowCookie(StateCookieName, encoded, f.secureCookies),
			newFlowCookie(ReturnToCookieName, url.QueryEscape(target), f.secureCookies),
		},
	}
}

// CallbackRequest gathers everything the provider callback delivered.
type CallbackRequest struct {
	Code                     string
	State                    string
	ProviderError            string
	ProviderErrorDescription string
	StateCookie              string
	ReturnToCookie           string
	Session                  *Identity
}

// CallbackResult is the terminal outcome of a callback. ClearCookies must be
// written on every exit path.
type CallbackResult struct {
	Outcome      Outcome
	RedirectURL  string
	Err          error
	ClearCookies []*http.Cookie
}

// ClearCookies returns the expired versions of both flow cookies.
func (f *FlowController) ClearCookies() []*http.Cookie {
	return []*http.Cookie{
		expiredFlowCookie(StateCookieName, f.secureCookies),
		expiredFlowCookie(ReturnToCookieName, f.secureCookies),
	}
}

// Complete validates the callback and, when every check passes, exchanges the
// code, verifies the token against the account endpoint and stores it.
func (f *FlowController) Complete(ctx context.Context, req CallbackRequest) CallbackResult {
	envelope, err := f.codec.decode(req.StateCookie)
	if err != nil {
		message := MessageInvalidSession
		if errors.Is(err, ErrExpiredEnvelope) {
			message = MessageStateExpired
		}
		return f.fail(OutcomeStateMismatch, message, err)
	}

	if providerErr := strings.TrimSpace(req.ProviderError); providerErr != "" {
		message := fmt.Sprintf("%s: %s", messageProviderDenied, providerErr)
		if description := strings.TrimSpace(req.ProviderErrorDescription); description != "" {
			message = fmt.Sprintf("%s: %s", messageProviderDenied, description)
		}
		return f.fail(OutcomeProviderError, message, fmt.Errorf("provider returned %s", providerErr))
	}

	if subtle.ConstantTimeCompare([]byte(req.State), []byte(envelope.State)) != 1 {
		return f.fail(OutcomeStateMismatch, MessageStateExpired, errors.New("state parameter does not match envelope"))
	}

	if req.Session == nil || req.Session.UserID != envelope.UserID || req.Session.TenantID != envelope.TenantID {
		return f.fail(OutcomeIdentityMismatch, MessageIdentityMismatch, errors.New("session identity does not match envelope"))
	}

	token, err := f.provider.Exchange(ctx, req.Code)
	if err != nil {
		return f.fail(OutcomeExchangeFailure, MessageExchangeFailed, err)
	}
	account, err := f.provider.FetchAccount(ctx, token.AccessToken)
	if err != nil {
		return f.fail(OutcomeExchangeFailure, MessageExchangeFailed, fmt.Errorf("account summary: %w", err))
	}

	record := &IntegrationToken{
		TenantID:     envelope.TenantID,
		Provider:     f.providerName,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Scope:        token.Scope,
		Account:      datatypes.NewJSONType(accountSummaryFrom(account)),
		ConnectedBy:  envelope.UserID,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		record.ExpiresAt = &expiry
	}
	if err := f.tokens.Upsert(ctx, record); err != nil {
		return f.fail(OutcomePersistFailure, MessagePersistFailed, err)
	}

	f.logger.Info("oauth integration connected",
		zap.String("provider", f.providerName),
		zap.String("tenant_id", envelope.TenantID),
		zap.String("user_id", envelope.UserID))

	target := f.integrationsPath
	if decoded, err := url.QueryUnescape(req.ReturnToCookie); err == nil {
		target = sanitizeReturnTo(decoded, f.integrationsPath)
	}
	return CallbackResult{
		Outcome:      OutcomeSucceeded,
		RedirectURL:  withQuery(target, queryStatus, statusOK),
		ClearCookies: f.ClearCookies(),
	}
}

// ErrorRedirect builds the integrations page url carrying message.
func (f *FlowController) ErrorRedirect(message string) string {
	return f.errorRedirect(message)
}

func (f *FlowController) errorRedirect(message string) string {
	return withQuery(f.integrationsPath, queryError, message)
}

func (f *FlowController) fail(outcome Outcome, message string, cause error) CallbackResult {
	f.logger.Warn("oauth callback rejected",
		zap.String("provider", f.providerName),
		zap.String("outcome", string(outcome)),
		zap.Error(cause))
	return CallbackResult{
		Outcome:      outcome,
		RedirectURL:  f.errorRedirect(message),
		Err:          cause,
		ClearCookies: f.ClearCookies(),
	}
}
