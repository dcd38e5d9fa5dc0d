package main

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sigelo/sigelo/backend/internal/auth"
	"github.com/sigelo/sigelo/backend/internal/catalog"
	"github.com/sigelo/sigelo/backend/internal/config"
	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"github.com/sigelo/sigelo/backend/internal/database"
	"github.com/sigelo/sigelo/backend/internal/ids"
	"github.com/sigelo/sigelo/backend/internal/integrations"
	"github.com/sigelo/sigelo/backend/internal/metrics"
	"github.com/sigelo/sigelo/backend/internal/reporting"
	"github.com/sigelo/sigelo/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// components holds everything the commands share. Flow and Reconciler are
// nil when the provider integration is switched off.
type components struct {
	db          *gorm.DB
	sqlDB       *sql.DB
	redis       *redis.Client
	tokens      *integrations.Store
	catalog     *catalog.Store
	members     *users.Service
	sessions    *auth.SessionValidator
	dispatcher  *reporting.Dispatcher
	invalidator reporting.Invalidator
	flow        *integrations.FlowController
	reconciler  *catalog.Reconciler
}

func (c *components) Close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.sqlDB != nil {
		_ = c.sqlDB.Close()
	}
}

func buildComponents(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger, registerer prometheus.Registerer) (*components, error) {
	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	built := &components{db: db, sqlDB: sqlDB, dispatcher: reporting.NewDispatcher()}
	built.invalidator = built.dispatcher

	if appConfig.RedisAddress != "" {
		built.redis = redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		if err := built.redis.Ping(ctx).Err(); err != nil {
			built.Close()
			return nil, err
		}
		publisher, err := reporting.NewRedisPublisher(built.redis, reporting.DefaultChannel)
		if err != nil {
			built.Close()
			return nil, err
		}
		built.invalidator = publisher
	}

	idProvider := ids.NewUUIDProvider()
	syncMetrics := metrics.NewSyncMetrics(registerer)

	built.tokens, err = integrations.NewStore(integrations.StoreConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.catalog, err = catalog.NewStore(catalog.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.members, err = users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.sessions, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		built.Close()
		return nil, err
	}

	if !appConfig.ContaAzul.Enabled() {
		logger.Warn("conta azul integration disabled: no client credentials configured")
		return built, nil
	}

	client, err := contaazul.NewClient(contaazul.ClientConfig{
		APIBaseURL:        appConfig.ContaAzul.APIBaseURL,
		AuthorizeURL:      appConfig.ContaAzul.AuthorizeURL,
		TokenURL:          appConfig.ContaAzul.TokenURL,
		ClientID:          appConfig.ContaAzul.ClientID,
		ClientSecret:      appConfig.ContaAzul.ClientSecret,
		RedirectURI:       appConfig.ContaAzul.RedirectURI,
		Scope:             appConfig.ContaAzul.Scope,
		RequestsPerSecond: appConfig.ContaAzul.RequestsPerSecond,
		Logger:            logger,
		Metrics:           syncMetrics,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.flow, err = integrations.NewFlowController(integrations.FlowConfig{
		Provider:         contaazul.ProviderName,
		StateSecret:      []byte(appConfig.OAuth.StateSecret),
		SecureCookies:    appConfig.OAuth.SecureCookies,
		IntegrationsPath: appConfig.OAuth.IntegrationsPath,
		LoginPath:        appConfig.OAuth.LoginPath,
		Logger:           logger,
	}, client, built.tokens)
	if err != nil {
		built.Close()
		return nil, err
	}
	tokenSource, err := integrations.NewTokenSource(integrations.TokenSourceConfig{
		Store:     built.tokens,
		Refresher: client,
		Provider:  contaazul.ProviderName,
		Logger:    logger,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	reporter, err := reporting.NewReporter(reporting.ReporterConfig{
		Database:    db,
		IDProvider:  idProvider,
		Invalidator: built.invalidator,
		Logger:      logger,
		Metrics:     syncMetrics,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	built.reconciler, err = catalog.NewReconciler(catalog.ReconcilerConfig{
		Tokens:   tokenSource,
		Fetcher:  client,
		Rows:     built.catalog,
		Reporter: reporter,
		Provider: contaazul.ProviderName,
		Logger:   logger,
		Metrics:  syncMetrics,
	})
	if err != nil {
		built.Close()
		return nil, err
	}
	return built, nil
}
