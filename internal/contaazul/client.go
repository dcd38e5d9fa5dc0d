// Package contaazul talks to the Conta Azul REST and OAuth endpoints.
package contaazul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sigelo/sigelo/backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// ProviderName is the partition key stored next to the tenant id.
const ProviderName = "contaazul"

const (
	defaultHTTPTimeout   = 30 * time.Second
	accountSummaryPath   = "/v1/pessoas/conta-conectada"
	maxErrorBodyBytes    = 4096
	headerAuthorization  = "Authorization"
	headerAccept         = "Accept"
	mediaTypeJSON        = "application/json"
	bearerPrefix         = "Bearer "
	operationExchange    = "exchange"
	operationRefresh     = "refresh"
	operationAccountInfo = "account"
)

// responseBodyLimit caps how much of a provider response is read.
var responseBodyLimit int64 = 32 << 20

var (
	// ErrMissingAccessToken indicates a call was attempted without credentials.
	ErrMissingAccessToken = errors.New("contaazul: access token required")
	// ErrMissingRefreshToken indicates a refresh was requested without a refresh token.
	ErrMissingRefreshToken = errors.New("contaazul: refresh token required")
	// ErrMissingCode indicates the authorization code is empty.
	ErrMissingCode = errors.New("contaazul: authorization code required")
	// ErrResponseTooLarge indicates a response body past the read cap.
	ErrResponseTooLarge = errors.New("contaazul: response body too large")
	// ErrInvalidClientConfig wraps configuration validation failures.
	ErrInvalidClientConfig = errors.New("contaazul: invalid client config")
)

// ClientConfig describes the provider endpoints and credentials.
type ClientConfig struct {
	APIBaseURL        string
	AuthorizeURL      string
	TokenURL          string
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	Scope             string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Logger            *zap.Logger
	Metrics           *metrics.SyncMetrics
}

// Token is the credential pair returned by the provider token endpoint.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Expiry       time.Time
}

// Account summarises the connected Conta Azul company.
type Account struct {
	Name      *string
	TradeName *string
	Document  *string
	Email     *string
	Raw       Record
}

// APIError reports a non-successful provider response outside the paginated fetch.
type APIError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("contaazul %s failed: status=%d code=%s message=%s", e.Operation, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("contaazul %s failed: status=%d message=%s", e.Operation, e.StatusCode, e.Message)
}

// Client is the Conta Azul API client. Page requests are issued one at a time.
type Client struct {
	apiBaseURL string
	httpClient *http.Client
	oauth      *oauth2.Config
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.SyncMetrics
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiBaseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if apiBaseURL == "" {
		return nil, fmt.Errorf("%w: api base url required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("%w: client credentials required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.TokenURL) == "" || strings.TrimSpace(cfg.AuthorizeURL) == "" {
		return nil, fmt.Errorf("%w: authorize and token urls required", ErrInvalidClientConfig)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	syncMetrics := cfg.Metrics
	if syncMetrics == nil {
		syncMetrics = metrics.Nop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
		oauth: &oauth2.Config{
			ClientID:     strings.TrimSpace(cfg.ClientID),
			ClientSecret: strings.TrimSpace(cfg.ClientSecret),
			RedirectURL:  strings.TrimSpace(cfg.RedirectURI),
			Scopes:       strings.Fields(cfg.Scope),
			Endpoint: oauth2.Endpoint{
				AuthURL:   strings.TrimSpace(cfg.AuthorizeURL),
				TokenURL:  strings.TrimSpace(cfg.TokenURL),
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: syncMetrics,
	}, nil
}

// AuthCodeURL builds the provider authorization URL carrying state, redirect uri and scope.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens using HTTP Basic client authentication.
func (c *Client) Exchange(ctx context.Context, code string) (Token, error) {
	if strings.TrimSpace(code) == "" {
		return Token{}, ErrMissingCode
	}
	token, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return Token{}, translateOAuthError(operationExchange, err)
	}
	return tokenFromOAuth(token), nil
}

// Refresh obtains a new access token. The provider may rotate the refresh token;
// when it does not, the previous one is kept.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Token{}, ErrMissingRefreshToken
	}
	source := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	token, err := source.Token()
	if err != nil {
		c.metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return Token{}, translateOAuthError(operationRefresh, err)
	}
	c.metrics.TokenRefreshes.WithLabelValues("success").Inc()
	return tokenFromOAuth(token), nil
}

// FetchAccount loads the connected company summary, proving the token is usable.
func (c *Client) FetchAccount(ctx context.Context, accessToken string) (Account, error) {
	body, err := c.get(ctx, accessToken, c.apiBaseURL+accountSummaryPath, operationAccountInfo)
	if err != nil {
		return Account{}, err
	}
	var record Record
	if err := decodeJSON(body, &record); err != nil {
		return Account{}, fmt.Errorf("contaazul account: decode response: %w", err)
	}
	return Account{
		Name:      String(record, "razao_social", "nome"),
		TradeName: String(record, "nome_fantasia"),
		Document:  String(record, "documento", "cnpj", "cpf"),
		Email:     String(record, "email"),
		Raw:       record,
	}, nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) get(ctx context.Context, accessToken, target, operation string) ([]byte, error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return nil, ErrMissingAccessToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerAuthorization, bearerPrefix+token)
	req.Header.Set(headerAccept, mediaTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > responseBodyLimit {
		return nil, fmt.Errorf("%w: %s response exceeds %d bytes", ErrResponseTooLarge, operation, responseBodyLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, message := parseErrorBody(body)
		return nil, &APIError{Operation: operation, StatusCode: resp.StatusCode, Code: code, Message: message}
	}
	return body, nil
}

func tokenFromOAuth(token *oauth2.Token) Token {
	scope, _ := token.Extra("scope").(string)
	return Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Scope:        scope,
		Expiry:       token.Expiry,
	}
}

func translateOAuthError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		message := retrieveErr.ErrorDescription
		if message == "" {
			_, message = parseErrorBody(retrieveErr.Body)
		}
		return &APIError{Operation: operation, StatusCode: status, Code: retrieveErr.ErrorCode, Message: message}
	}
	return fmt.Errorf("contaazul %s failed: %w", operation, err)
}

func parseErrorBody(body []byte) (string, string) {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	message := strings.TrimSpace(string(body))
	code := ""
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if value, ok := parsed["error"].(string); ok {
			code = value
		}
		if value, ok := parsed["code"].(string); ok && code == "" {
			code = value
		}
		for _, key := range []string{"error_description", "message", "mensagem"} {
			if value, ok := parsed[key].(string); ok && strings.TrimSpace(value) != "" {
				message = value
				break
			}
		}
	}
	return code, message
}
