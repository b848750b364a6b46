package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lotpilot/internal/api"
	"lotpilot/internal/config"
	"lotpilot/internal/database/kafka"
	"lotpilot/internal/database/mysql"
	"lotpilot/internal/database/redis"
	"lotpilot/internal/discovery/etcd"
	"lotpilot/internal/dispatch"
	"lotpilot/internal/dispatch/broker"
	"lotpilot/internal/events"
	"lotpilot/internal/models"
	"lotpilot/internal/registry"
	"lotpilot/internal/registry/store"
	"lotpilot/internal/signing"
	"lotpilot/internal/slot"
	"lotpilot/internal/workers"
	"lotpilot/pkg/circuitbreaker"
	"lotpilot/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logLevel, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		log.Fatalf("Invalid logger level: %v", err)
	}
	logger.Init(logLevel)
	serviceLogger := logger.New("dispatchd", "", "")

	// Connect to MySQL and migrate the registry tables
	db, err := mysql.GetDB(&cfg.Databases.MySQL)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to MySQL")
	}
	registryStore := store.NewGormStore(db)
	if err := registryStore.AutoMigrate(); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to migrate registry tables")
	}

	// Connect to Redis (the dispatch broker)
	rdb, err := redis.GetClient(&cfg.Databases.Redis)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to Redis")
	}
	taskBroker := broker.NewRedisBroker(rdb, cfg.Dispatch.ResultChannel)

	// Connect to Kafka for lifecycle events
	kafkaClient, err := kafka.GetClient(&cfg.Databases.Kafka)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to Kafka")
	}

	// Build the signing codec
	var codec *signing.Codec
	if cfg.Signing.Enabled {
		codec, err = signing.NewCodec(cfg.Signing.Secret, cfg.Signing.EncryptionKey)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Invalid signing configuration")
		}
	} else {
		serviceLogger.Warn("Task signing is DISABLED; do not run this way in production")
	}

	// Core services
	reg := registry.New(registryStore, serviceLogger, cfg.Registry)
	slotManager := slot.NewManager(reg, serviceLogger)
	bus := events.NewBus(serviceLogger)

	dispatcher, err := dispatch.New(taskBroker, codec, bus, serviceLogger, cfg.Dispatch, cfg.Signing)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to build dispatcher")
	}
	if cfg.Signing.Enabled {
		dispatcher.UseSigningBreaker(circuitbreaker.New(5, 2, 30*time.Second))
	}
	workerRegistry := workers.NewRegistry(taskBroker, time.Duration(cfg.Dispatch.HeartbeatWindow)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Result consumer
	resultConsumer := dispatch.NewResultConsumer(taskBroker, dispatcher, serviceLogger)
	if err := resultConsumer.Start(ctx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to start result consumer")
	}

	// Kafka event publisher
	eventPublisher := events.NewKafkaPublisher(kafkaClient.Writer, cfg.Dispatch.EventsTopic, serviceLogger)
	go eventPublisher.Start(ctx, bus.Subscribe(256))

	// Periodic cleanup of finished task records
	go runCleanup(ctx, dispatcher, cfg.Dispatch.StatusTTLDays, serviceLogger)

	// Register this instance in etcd for discovery
	var registryStop chan<- struct{}
	if len(cfg.Databases.Etcd.Endpoints) > 0 {
		serviceRegistry, err := etcd.NewServiceRegistry(cfg.Databases.Etcd.Endpoints, cfg.Databases.Etcd.Username, cfg.Databases.Etcd.Password)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to etcd")
		}
		defer serviceRegistry.Close()
		registryStop, err = serviceRegistry.Register("dispatchd", cfg.App.ServerAddress, 15)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to register service in etcd")
		}
		serviceLogger.Info("Registered in etcd as dispatchd")
	}

	// HTTP server
	gin.SetMode(gin.ReleaseMode)
	apiHandler := api.NewAPI(reg, slotManager, dispatcher, workerRegistry, serviceLogger)
	router := api.SetupRouter(apiHandler, cfg)

	srv := &http.Server{
		Addr:    cfg.App.ServerAddress,
		Handler: router,
	}

	go func() {
		serviceLogger.Info("Starting HTTP server on " + srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("HTTP server failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	serviceLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Server forced to shutdown")
	}

	if registryStop != nil {
		close(registryStop)
	}
	cancel()
	bus.Close()

	if err := kafkaClient.Close(); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Kafka client")
	}
	if err := redis.Close(); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Redis client")
	}
	if err := mysql.Close(); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing MySQL connection")
	}

	serviceLogger.Info("Server gracefully stopped")
}

// runCleanup deletes finished task records past the retention window once
// an hour.
func runCleanup(ctx context.Context, d *dispatch.Dispatcher, retentionDays int, log *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	retention := time.Duration(retentionDays) * 24 * time.Hour

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := d.CleanupOldTasks(ctx, retention)
			if err != nil {
				log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Task cleanup pass failed")
				continue
			}
			if deleted > 0 {
				log.WithPayload(map[string]interface{}{"deleted": deleted}).Info("Cleaned up finished task records")
			}
		}
	}
}
