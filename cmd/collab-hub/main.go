package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/codequill/collab-hub/internal/auth"
	"github.com/codequill/collab-hub/internal/bus"
	"github.com/codequill/collab-hub/internal/config"
	"github.com/codequill/collab-hub/internal/database"
	"github.com/codequill/collab-hub/internal/docs"
	"github.com/codequill/collab-hub/internal/hub"
	"github.com/codequill/collab-hub/internal/logging"
	"github.com/codequill/collab-hub/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-hub",
		Short: "Real-time collaborative document synchronization hub",
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
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for cross-instance fan-out (empty disables)")
	cmd.PersistentFlags().String("instance-id", defaults.GetString("instance.id"), "Unique hub instance identifier (generated when empty)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Capability token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "instance.id", "instance-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	instanceID := appConfig.InstanceID
	if instanceID == "" {
		instanceID = "collab-" + uuid.NewString()
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, instanceID)
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

	store, err := docs.NewStore(docs.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewCapabilityVerifier(auth.CapabilityVerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Leeway:        appConfig.AuthLeeway,
	})
	if err != nil {
		return err
	}

	var fanout bus.Bus = bus.NoopBus{}
	if appConfig.RedisURL != "" {
		redisBus, err := bus.NewRedisBus(appConfig.RedisURL, logger)
		if err != nil {
			return err
		}
		fanout = redisBus
		logger.Info("cross-instance fan-out enabled")
	} else {
		logger.Info("running single-instance, fan-out disabled")
	}
	defer fanout.Close() //nolint:errcheck

	syncHub, err := hub.New(hub.Config{
		Verifier:      verifier,
		Store:         store,
		Bus:           fanout,
		InstanceID:    instanceID,
		Logger:        logger,
		MaxFrameBytes: appConfig.MaxFrameBytes,
		SaveDebounce:  appConfig.SaveDebounce,
		Keepalive:     appConfig.KeepaliveInterval,
		EvictGrace:    appConfig.EvictGrace,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := syncHub.Start(signalCtx); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:        syncHub,
		InstanceID: instanceID,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
		if err := syncHub.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to flush resident documents", zap.Error(err))
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}
