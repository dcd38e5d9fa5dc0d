package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/sigelo/sigelo/backend/internal/auth"
	"github.com/sigelo/sigelo/backend/internal/catalog"
	"github.com/sigelo/sigelo/backend/internal/config"
	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"github.com/sigelo/sigelo/backend/internal/database"
	"github.com/sigelo/sigelo/backend/internal/integrations"
	"github.com/sigelo/sigelo/backend/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newSyncCommand() *cobra.Command {
	var tenantID, actorID string
	cmd := &cobra.Command{
		Use:       "sync customers|services",
		Short:     "Mirror a Conta Azul collection into the local store for one tenant",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(contaazul.ResourceCustomers), string(contaazul.ResourceServices)},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.ContaAzul.Enabled() {
				return errors.New(integrations.MessageNotConfigured)
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			built, err := buildComponents(cmd.Context(), appConfig, logger, nil)
			if err != nil {
				return err
			}
			defer built.Close()

			result, err := built.reconciler.Sync(cmd.Context(), contaazul.ResourceType(args[0]), catalog.SyncRequest{
				TenantID: tenantID,
				ActorID:  actorID,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "synced %d %s for tenant %s\n", result.SyncedCount, args[0], tenantID)
			return err
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant identifier")
	cmd.Flags().StringVar(&actorID, "actor", "cli", "Actor recorded in the sync history")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			logger.Info("database schema is up to date", zap.String("driver", appConfig.DatabaseDriver))
			return nil
		},
	}
}

func newSessionCommand() *cobra.Command {
	var (
		userID   string
		tenantID string
		email    string
		roles    []string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Issue a session token for scripted API access",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningKey),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.SessionClaims{
				UserID:    userID,
				TenantID:  tenantID,
				UserEmail: email,
				UserRoles: roles,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_at=%s\n", token, expiresAt.Format(time.RFC3339))
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant identifier")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Roles granted in the token (admin, manager, viewer)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
