package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/railwatch/railwatch/internal/auth"
	"github.com/railwatch/railwatch/internal/booking/korail"
	"github.com/railwatch/railwatch/internal/config"
	"github.com/railwatch/railwatch/internal/database"
	"github.com/railwatch/railwatch/internal/logging"
	"github.com/railwatch/railwatch/internal/search"
	"github.com/railwatch/railwatch/internal/server"
	"github.com/railwatch/railwatch/internal/session"
	"github.com/railwatch/railwatch/internal/store"
	"github.com/railwatch/railwatch/internal/task"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "railwatch-api",
		Short: "Railwatch coordination API server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("seal-key", "", "AES key for booking credentials at rest")
	cmd.PersistentFlags().String("korail-base-url", defaults.GetString("korail.base_url"), "Korail API base URL override")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "settings.seal_key", "seal-key")
	bindFlag(cmd, "korail.base_url", "korail-base-url")
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
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	recordStore, err := store.New(store.Config{
		Database:   db,
		Dispatcher: store.NewDispatcher(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var sealer *session.Sealer
	if appConfig.SettingsSealKey != "" {
		sealer, err = session.NewSealer([]byte(appConfig.SettingsSealKey))
		if err != nil {
			return err
		}
	}
	sessionController, err := session.NewController(session.Config{
		Store:  recordStore,
		Sealer: sealer,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	searchProtocol, err := search.NewProtocol(search.Config{
		Store:        recordStore,
		DelayWarning: appConfig.SearchDelayWarning,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	taskManager, err := task.NewManager(task.Config{
		Store:   recordStore,
		Session: sessionController,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "railwatch-auth",
		Audience:      "railwatch-api",
	})

	provider := korail.NewClient(korail.ClientConfig{BaseURL: appConfig.KorailBaseURL})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Session:      sessionController,
		Search:       searchProtocol,
		Tasks:        taskManager,
		Provider:     provider,
		Store:        recordStore,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-serverCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
