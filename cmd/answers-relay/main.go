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

	"github.com/MarcoPoloResearchLab/answers-relay/internal/auth"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/config"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/database"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/dedup"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/forum"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/logging"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/notify"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/push"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/relay"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/rooms"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/server"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "answers-relay",
		Short: "Real-time answer, chat and notification relay",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("socket-path", defaults.GetString("http.socket_path"), "Websocket endpoint path")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma-separated CORS origins, * for any")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Identity token signing secret (overrides env)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Cookie carrying the identity token")
	cmd.PersistentFlags().Bool("push-enabled", defaults.GetBool("push.enabled"), "Deliver push notifications through FCM")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.socket_path", "socket-path")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "push.enabled", "push-enabled")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

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

	if logging.ParseLevel(appConfig.LogLevel) != zapcore.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
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

	verifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return err
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	store, err := forum.NewStore(forum.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: forum.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sender, err := newPushSender(ctx, appConfig.Push, logger)
	if err != nil {
		return err
	}

	hub := rooms.NewHub(logger)
	ledgerConfig := dedup.Config{Capacity: appConfig.DedupCapacity, EvictFraction: appConfig.DedupEvictFraction}
	engine, err := notify.NewEngine(notify.Config{
		Store:       store,
		Broadcaster: hub,
		Ledger:      dedup.NewMemoryLedger(ledgerConfig),
		Sender:      sender,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	pipeline, err := relay.NewPipeline(relay.Config{
		Store:       store,
		Broadcaster: hub,
		Notifier:    engine,
		TempIDs:     dedup.NewMemoryLedger(ledgerConfig),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	tasks := relay.NewTasks(ctx, logger)
	sessions, err := server.NewSessionManager(server.SessionConfig{
		Verifier:       verifier,
		Profiles:       profiles,
		Hub:            hub,
		Actions:        pipeline,
		Tasks:          tasks,
		CookieName:     appConfig.CookieName,
		AuthGrace:      appConfig.AuthGrace,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		Sessions:       sessions,
		Notifications:  store,
		CookieName:     appConfig.CookieName,
		SocketPath:     appConfig.SocketPath,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("socket_path", appConfig.SocketPath),
			zap.Bool("push_enabled", appConfig.Push.Enabled))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := tasks.Drain(shutdownCtx); err != nil {
			logger.Warn("background tasks still running at shutdown", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

func newPushSender(ctx context.Context, cfg config.PushConfig, logger *zap.Logger) (push.Sender, error) {
	if !cfg.Enabled {
		return push.NopSender{Logger: logger}, nil
	}
	return push.NewFCMSender(ctx, push.FCMConfig{
		ServiceAccountJSON: cfg.ServiceAccountJSON,
		ProjectID:          cfg.ProjectID,
		RatePerSecond:      cfg.RatePerSecond,
		Logger:             logger,
	})
}
