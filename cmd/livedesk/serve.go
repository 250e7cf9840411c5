package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/livedesk/internal/api"
	"github.com/liliang-cn/livedesk/internal/config"
	"github.com/liliang-cn/livedesk/internal/generator"
	"github.com/liliang-cn/livedesk/internal/monitor"
	"github.com/liliang-cn/livedesk/internal/notify"
	"github.com/liliang-cn/livedesk/internal/realtime"
	"github.com/liliang-cn/livedesk/internal/repository"
	"github.com/liliang-cn/livedesk/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var kafkaBrokers string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server with the background monitors",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&kafkaBrokers, "kafka-brokers", "", "comma separated brokers, overrides kafka.brokers")
}

// notifier is a service.Notifier that holds resources
type notifier interface {
	service.Notifier
	Close() error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if kafkaBrokers != "" {
		cfg.Kafka.Brokers = notify.ParseBrokers(kafkaBrokers)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var next service.ResponseGenerator
	llm, err := generator.NewFromConfig(ctx, cfg.LLM, logger.Named("generator"))
	switch {
	case err != nil:
		logger.Warn("Failed to initialize chat model, using fallback replies", zap.Error(err))
	case llm == nil:
		logger.Warn("No chat model configured, using fallback replies")
	default:
		next = llm
	}
	replies := service.NewFallbackGenerator(next, cfg.Routing.GeneratorTimeout, cfg.Routing.FallbackReply, logger.Named("generator"))

	notes := newNotifier(cfg.Kafka, logger.Named("notify"))
	defer notes.Close()

	hub := realtime.NewHub(256, logger.Named("realtime"))
	hub.Start()

	sessions := service.NewSessionService(
		repository.NewSessionRepository(db),
		repository.NewOperatorRepository(db),
		replies,
		hub,
		notes,
		logger.Named("sessions"),
		service.Options{
			ConfidenceThreshold: cfg.Routing.ConfidenceThreshold,
			HistoryLimit:        cfg.Routing.HistoryLimit,
		},
	)

	mon := monitor.New(sessions, monitor.Config{
		InactivityInterval: cfg.Monitor.InactivityInterval,
		InactivityWarning:  cfg.Monitor.InactivityWarning,
		InactivityTimeout:  cfg.Monitor.InactivityTimeout,
		LivenessInterval:   cfg.Monitor.LivenessInterval,
		HeartbeatTimeout:   cfg.Monitor.HeartbeatTimeout,
	}, logger.Named("monitor"))
	mon.Start(ctx)

	router := api.SetupRouter(sessions, hub, logger.Named("http"), api.RouterConfig{
		APIKey:       cfg.Admin.APIKey,
		AllowOrigins: cfg.Server.AllowOrigins,
	})
	if cfg.Admin.APIKey == "" {
		logger.Warn("admin.api_key is empty, staff endpoints are unauthenticated")
	}

	// No write timeout: websocket connections are long lived.
	srv := &http.Server{
		Addr:        cfg.Address(),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting LiveDesk server",
			zap.String("address", cfg.Address()),
			zap.String("base_url", cfg.Server.BaseURL),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			mon.Stop()
			hub.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Shutting down server...")

	mon.Stop()
	// Closing subscribers ends every websocket client.
	hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}

func newNotifier(cfg config.KafkaConfig, logger *zap.Logger) notifier {
	if !cfg.Enabled() {
		return notify.NewLog(logger)
	}
	logger.Info("Publishing operator notifications to kafka",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return notify.NewKafka(cfg.Brokers, cfg.Topic, logger)
}
