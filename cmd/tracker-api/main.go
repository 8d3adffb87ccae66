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

	"github.com/endurotracker/backend/internal/assignment"
	"github.com/endurotracker/backend/internal/auth"
	"github.com/endurotracker/backend/internal/config"
	"github.com/endurotracker/backend/internal/database"
	"github.com/endurotracker/backend/internal/ingest"
	"github.com/endurotracker/backend/internal/logging"
	"github.com/endurotracker/backend/internal/server"
	"github.com/endurotracker/backend/internal/timeutil"
	"github.com/endurotracker/backend/internal/track"
	"github.com/endurotracker/backend/internal/worker"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracker-api",
		Short: "Enduro race tracker backend service",
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
	cmd.PersistentFlags().String("timezone", defaults.GetString("time.timezone"), "Local timezone for manual timing input")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Operator token TTL in minutes")
	cmd.PersistentFlags().String("operator-key", "", "Operator shared key (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("parse-batch-size", defaults.GetInt("worker.parse_batch_size"), "Raw rows per normalizer batch")
	cmd.PersistentFlags().Int("parse-idle-seconds", defaults.GetInt("worker.parse_idle_seconds"), "Normalizer poll interval when drained")
	cmd.PersistentFlags().String("cache-cron", defaults.GetString("worker.cache_cron"), "Live cache refresh schedule")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "time.timezone", "timezone")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.operator_key", "operator-key")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "worker.parse_batch_size", "parse-batch-size")
	bindFlag(cmd, "worker.parse_idle_seconds", "parse-idle-seconds")
	bindFlag(cmd, "worker.cache_cron", "cache-cron")
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

	location, err := timeutil.LoadLocation(appConfig.Timezone)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		OperatorKey:   appConfig.OperatorKey,
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "tracker-auth",
		Audience:      "tracker-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	assignments, err := assignment.NewService(assignment.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tracks, err := track.NewStore(track.StoreConfig{
		Database:     db,
		Clock:        time.Now,
		ETagProvider: track.NewUUIDETagProvider(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Database:    db,
		Assignments: assignments,
		Tracks:      tracks,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	normalizer, err := worker.NewNormalizer(worker.NormalizerConfig{
		Ingest:       ingestService,
		Tracks:       tracks,
		BatchSize:    appConfig.ParseBatchSize,
		IdleInterval: appConfig.ParseIdleInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	cacheWorker, err := worker.NewCacheWorker(worker.CacheWorkerConfig{
		Assignments: assignments,
		Tracks:      tracks,
		Schedule:    appConfig.CacheCronSpec,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IngestService:     ingestService,
		TrackStore:        tracks,
		AssignmentService: assignments,
		TokenManager:      authenticator,
		Location:          location,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go normalizer.Run(workerCtx)

	scheduler, err := cacheWorker.Schedule(workerCtx)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

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
		cancelWorkers()
		<-scheduler.Stop().Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
