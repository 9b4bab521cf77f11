package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hgarg1/gemini-nexus-sub001/internal/auth"
	"github.com/hgarg1/gemini-nexus-sub001/internal/chats"
	"github.com/hgarg1/gemini-nexus-sub001/internal/config"
	"github.com/hgarg1/gemini-nexus-sub001/internal/database"
	"github.com/hgarg1/gemini-nexus-sub001/internal/logging"
	"github.com/hgarg1/gemini-nexus-sub001/internal/pipeline"
	"github.com/hgarg1/gemini-nexus-sub001/internal/server"
	"github.com/hgarg1/gemini-nexus-sub001/internal/suggest"
	"github.com/hgarg1/gemini-nexus-sub001/internal/users"
	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout      = 10 * time.Second
	suggestionHandlerKey = "checkpoint-suggestions"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nexus-api",
		Short: "Conversation versioning service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newMigrateCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the checkpoint suggestion pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			databaseConfig, err := config.LoadDatabase(viper.GetViper())
			if err != nil {
				return err
			}
			logger, _, err := logging.NewLogger(viper.GetString("log.level"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.Open(databaseConfig.Driver, databaseConfig.DSN, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a session token for local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        appConfig.Auth.Issuer,
				TokenTTL:      appConfig.Auth.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionIdentity{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id carried by the token")
	cmd.Flags().StringVar(&email, "email", "", "User email carried by the token")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name carried by the token")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("suggest-provider", defaults.GetString("suggest.provider"), "Checkpoint suggester (none, always, openai)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "suggest.provider", "suggest-provider")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// watchLogLevel applies log.level edits from the config file without a restart.
func watchLogLevel(level zap.AtomicLevel, logger *zap.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		next := logging.ParseLevel(viper.GetString("log.level"))
		if next == level.Level() {
			return
		}
		level.SetLevel(next)
		logger.Info("log level changed", zap.String("file", event.Name), zap.String("level", next.String()))
	})
	viper.WatchConfig()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, level, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	watchLogLevel(level, logger)

	db, err := database.Open(appConfig.Database.Driver, appConfig.Database.DSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		CookieName:    appConfig.Auth.CookieName,
	})
	if err != nil {
		return err
	}

	identities, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ids := versioning.NewUUIDProvider()
	realtime := server.NewRealtimeDispatcher()

	chatStore, err := chats.NewStore(chats.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	versioningService, err := versioning.NewService(versioning.ServiceConfig{
		Database:          db,
		Clock:             time.Now,
		IDProvider:        ids,
		Logger:            logger,
		Publisher:         realtime,
		LiveMessages:      chatStore,
		SnapshotInterval:  appConfig.Versioning.SnapshotInterval,
		DefaultBranchName: appConfig.Versioning.DefaultBranch,
	})
	if err != nil {
		return err
	}

	suggester, err := suggest.New(suggest.Config{
		Provider: appConfig.Suggest.Provider,
		APIKey:   appConfig.Suggest.APIKey,
		BaseURL:  appConfig.Suggest.BaseURL,
		Model:    appConfig.Suggest.Model,
	})
	if err != nil {
		return err
	}

	processor, err := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Checkpoints:   versioningService,
		Live:          chatStore,
		Suggester:     suggester,
		Publisher:     realtime,
		Logger:        logger,
		Clock:         time.Now,
		RetryAttempts: appConfig.Pipeline.RetryAttempts,
		RetryDelay:    appConfig.Pipeline.RetryDelay,
	})
	if err != nil {
		return err
	}

	queue, err := pipeline.NewQueue(pipeline.QueueConfig{
		Buffer:     int64(appConfig.Pipeline.QueueBuffer),
		Partitions: appConfig.Pipeline.Workers,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	queue.Handle(suggestionHandlerKey, processor.Handle)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          sessions,
		Identities:        identities,
		Versioning:        versioningService,
		Chats:             chatStore,
		Jobs:              queue,
		Realtime:          realtime,
		Logger:            logger,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return queue.Run(groupCtx)
	})

	// The in-memory queue drops jobs published before its router subscribes.
	select {
	case <-queue.Running():
	case <-groupCtx.Done():
		_ = queue.Close()
		return group.Wait()
	}

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		return errors.Join(shutdownErr, queue.Close())
	})

	return group.Wait()
}
