package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
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
	memberContextKey = "sigelo_member"

	defaultIntegrationsPath  = "/integrations"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingMemberResolver   = errors.New("member resolver dependency required")
	errMissingCatalog          = errors.New("catalog dependency required")
	errMissingConnections      = errors.New("connection store dependency required")
	errMissingEvents           = errors.New("event source dependency required")
)

// SessionValidator authenticates a request from its session cookie or bearer header.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// MemberResolver maps session claims to the tenant membership they act under.
type MemberResolver interface {
	ResolveMember(ctx context.Context, claims auth.SessionClaims) (users.Member, error)
}

// ConnectionStore reads and removes stored provider connections.
type ConnectionStore interface {
	Get(ctx context.Context, tenantID, provider string) (*integrations.IntegrationToken, error)
	Delete(ctx context.Context, tenantID, provider string) error
}

// Syncer runs a reconciliation for one resource type.
type Syncer interface {
	Sync(ctx context.Context, resource contaazul.ResourceType, req catalog.SyncRequest) (catalog.SyncResult, error)
}

// CatalogLister pages through the tenant's local catalogue.
type CatalogLister interface {
	ListCustomers(ctx context.Context, tenantID string, query catalog.ListQuery) (catalog.Page[catalog.Customer], error)
	ListServices(ctx context.Context, tenantID string, query catalog.ListQuery) (catalog.Page[catalog.Service], error)
}

// EventSource streams invalidation signals of one tenant.
type EventSource interface {
	Subscribe(ctx context.Context, subscription reporting.Subscription) (<-chan reporting.Invalidation, func())
}

// Dependencies wires the HTTP handler. Flow and Syncer stay nil when the
// provider integration is not configured.
type Dependencies struct {
	Sessions          SessionValidator
	Members           MemberResolver
	Flow              *integrations.FlowController
	Connections       ConnectionStore
	Syncer            Syncer
	Catalog           CatalogLister
	Events            EventSource
	Invalidator       reporting.Invalidator
	MetricsHandler    http.Handler
	AllowedOrigins    []string
	IntegrationsPath  string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the dashboard API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Members == nil {
		return nil, errMissingMemberResolver
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.Connections == nil {
		return nil, errMissingConnections
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	integrationsPath := strings.TrimSpace(deps.IntegrationsPath)
	if integrationsPath == "" {
		integrationsPath = defaultIntegrationsPath
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:         deps.Sessions,
		members:          deps.Members,
		flow:             deps.Flow,
		connections:      deps.Connections,
		syncer:           deps.Syncer,
		catalog:          deps.Catalog,
		events:           deps.Events,
		invalidator:      deps.Invalidator,
		integrationsPath: integrationsPath,
		heartbeat:        heartbeat,
		logger:           logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	oauth := router.Group("/integrations/:provider")
	oauth.Use(handler.requireProvider, handler.identifyRequest)
	oauth.GET("/authorize", handler.handleAuthorize)
	oauth.GET("/callback", handler.handleCallback)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/integrations/:provider", handler.requireProvider, handler.handleIntegrationStatus)
	protected.DELETE("/integrations/:provider", handler.requireProvider, requireRole(users.RoleAdmin, users.RoleManager), handler.handleDisconnect)
	protected.POST("/customers/sync", requireRole(users.RoleAdmin, users.RoleManager), handler.handleSync(contaazul.ResourceCustomers))
	protected.POST("/services/sync", requireRole(users.RoleAdmin, users.RoleManager), handler.handleSync(contaazul.ResourceServices))
	protected.GET("/customers", handler.handleListCustomers)
	protected.GET("/services", handler.handleListServices)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		// credentials cannot be combined with a literal wildcard origin
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions         SessionValidator
	members          MemberResolver
	flow             *integrations.FlowController
	connections      ConnectionStore
	syncer           Syncer
	catalog          CatalogLister
	events           EventSource
	invalidator      reporting.Invalidator
	integrationsPath string
	heartbeat        time.Duration
	logger           *zap.Logger
}

// authorizeRequest rejects requests without a valid session and membership.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	member, err := h.resolveMember(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(memberContextKey, member)
	c.Next()
}

// identifyRequest attaches the member when a session is present and lets
// anonymous requests through.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	if member, err := h.resolveMember(c); err == nil {
		c.Set(memberContextKey, member)
	}
	c.Next()
}

func (h *httpHandler) resolveMember(c *gin.Context) (users.Member, error) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		return users.Member{}, err
	}
	member, err := h.members.ResolveMember(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrNoMembership) || errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Info("session without membership", zap.Error(err))
		} else {
			h.logger.Error("membership resolution failed", zap.Error(err))
		}
		return users.Member{}, err
	}
	return member, nil
}

func currentMember(c *gin.Context) (users.Member, bool) {
	value, ok := c.Get(memberContextKey)
	if !ok {
		return users.Member{}, false
	}
	member, ok := value.(users.Member)
	return member, ok
}

func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		member, ok := currentMember(c)
		if !ok || !member.HasAnyRole(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "forbidden"})
			return
		}
		c.Next()
	}
}

func (h *httpHandler) requireProvider(c *gin.Context) {
	if c.Param("provider") != contaazul.ProviderName {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
		return
	}
	c.Next()
}

type codedError interface {
	Code() string
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
