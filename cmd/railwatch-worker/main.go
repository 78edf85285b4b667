package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/railwatch/railwatch/internal/booking/korail"
	"github.com/railwatch/railwatch/internal/config"
	"github.com/railwatch/railwatch/internal/database"
	"github.com/railwatch/railwatch/internal/logging"
	"github.com/railwatch/railwatch/internal/notify"
	"github.com/railwatch/railwatch/internal/session"
	"github.com/railwatch/railwatch/internal/store"
	"github.com/railwatch/railwatch/internal/worker"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "railwatch-worker",
		Short: "Railwatch booking automation worker",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("seal-key", "", "AES key for booking credentials at rest")
	cmd.PersistentFlags().String("fcm-credentials", defaults.GetString("fcm.credentials_file"), "Firebase service account file")
	cmd.PersistentFlags().String("korail-base-url", defaults.GetString("korail.base_url"), "Korail API base URL override")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "settings.seal_key", "seal-key")
	bindFlag(cmd, "fcm.credentials_file", "fcm-credentials")
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

func runWorker(ctx context.Context) error {
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

	workerCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	senders := []notify.Sender{
		notify.NewTelegramSender(appConfig.TelegramAPIBase, nil),
	}
	if appConfig.FCMCredentialsFile != "" {
		fcmSender, err := notify.NewFCMSender(workerCtx, appConfig.FCMCredentialsFile)
		if err != nil {
			return err
		}
		senders = append(senders, fcmSender)
	} else {
		logger.Warn("fcm credentials not configured; push path disabled")
	}

	runner, err := worker.NewRunner(worker.Config{
		Store:        recordStore,
		Provider:     korail.NewClient(korail.ClientConfig{BaseURL: appConfig.KorailBaseURL}),
		Credentials:  sessionController,
		Notifier:     notify.NewDispatcher(senders, logger),
		ScanInterval: appConfig.WorkerScanInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	logger.Info("worker started")
	if err := runner.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
