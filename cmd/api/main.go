package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/config"
	contactrepo "github.com/Ramsey-B/clover/internal/repositories/contact"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/identify"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/redis"
	contactroute "github.com/Ramsey-B/clover/pkg/routes/contact"
	deadletterroute "github.com/Ramsey-B/clover/pkg/routes/deadletter"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	identifyroute "github.com/Ramsey-B/clover/pkg/routes/identify"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.AppName,
		Enabled:      cfg.OTLPEnabled,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPProtocol: cfg.OTLPProtocol,
		OTLPInsecure: cfg.OTLPInsecure,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to initialize tracing")
		os.Exit(1)
	}

	var (
		db          database.DB
		redisClient *redis.Client
		producer    *kafka.Producer
	)

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	boot.AddDependency(&startup.Dependency{
		Name: "postgres",
		StartFunc: func(ctx context.Context) error {
			connected, err := database.Connect(ctx, database.ConnectionConfig{
				Driver:          cfg.DatabaseDriver,
				Host:            cfg.DatabaseHost,
				Port:            cfg.DatabasePort,
				UserName:        cfg.DatabaseUserName,
				Password:        cfg.DatabasePassword,
				Name:            cfg.DatabaseName,
				SSLMode:         cfg.DatabaseSSLMode,
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, logger)
			if err != nil {
				return err
			}
			db = connected

			driver, err := migratepg.WithInstance(db.Unsafe().DB, &migratepg.Config{})
			if err != nil {
				return err
			}
			migrations := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
				Force:               cfg.DatabaseMigrationForce,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			})
			return migrations.Migrate(cfg.DatabaseName, driver)
		},
		StopFunc: func(ctx context.Context) error {
			if db == nil {
				return nil
			}
			return db.Close()
		},
	})

	boot.AddDependency(&startup.Dependency{
		Name: "redis",
		StartFunc: func(ctx context.Context) error {
			client, err := redis.NewClient(redis.Config{
				Host:     cfg.RedisHost,
				Port:     cfg.RedisPort,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, logger)
			if err != nil {
				return err
			}
			redisClient = client
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if redisClient == nil {
				return nil
			}
			return redisClient.Close()
		},
	})

	if cfg.KafkaProducerEnabled {
		boot.AddDependency(&startup.Dependency{
			Name: "kafka",
			StartFunc: func(ctx context.Context) error {
				producer = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      cfg.KafkaBrokers,
					Topic:        cfg.KafkaOutputTopic,
					BatchSize:    cfg.KafkaBatchSize,
					BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
					RequiredAcks: cfg.KafkaRequiredAcks,
					Compression:  cfg.KafkaCompression,
				}, logger)
				return producer.Ping(ctx)
			},
			StopFunc: func(ctx context.Context) error {
				if producer == nil {
					return nil
				}
				return producer.Close()
			},
		})
	}

	if err := boot.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start dependencies")
		os.Exit(1)
	}

	contactRepository := contactrepo.NewRepository(db, logger)
	engine := identify.NewEngine(contactRepository, logger)
	deadLetters := redis.NewDeadLetterQueue(redisClient, cfg.RedisDeadLetterStream, logger)

	emitter := events.NewEmitter(nil, deadLetters, logger)
	if producer != nil {
		emitter = events.NewEmitter(producer, deadLetters, logger)
	}

	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		logger.WithError(err).Error("Failed to create DI container")
		os.Exit(1)
	}

	registrations := []error{
		ectoinject.RegisterInstance[ectologger.Logger](container, logger),
		ectoinject.RegisterInstance[*contactrepo.Repository](container, contactRepository),
		ectoinject.RegisterInstance[*identify.Engine](container, engine),
		ectoinject.RegisterInstance[*redis.DeadLetterQueue](container, deadLetters),
		ectoinject.RegisterInstance[*events.Emitter](container, emitter),
	}
	if producer != nil {
		registrations = append(registrations, ectoinject.RegisterInstance[*kafka.Producer](container, producer))
	}
	for _, err := range registrations {
		if err != nil {
			logger.WithError(err).Error("Failed to register dependency")
			os.Exit(1)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.Use(echomiddleware.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	checker := health.NewChecker(db, redisClient, cfg.AppVersion)
	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	identifyroute.Register(e.Group("/identify"))
	contactroute.Register(e.Group("/contacts"))
	deadletterroute.Register(e.Group("/dead-letters"))

	go func() {
		address := fmt.Sprintf(":%d", cfg.Port)
		logger.Infof("Starting %s on %s", cfg.AppName, address)
		checker.SetReady(true)
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	checker.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down http server cleanly")
	}
	if err := boot.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to stop dependencies cleanly")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to flush traces")
	}
}

// newLogger builds the process logger. Messages are serialized to stdout as
// JSON, one object per line, or pretty printed when PRETTY_LOGS is set.
func newLogger(cfg *config.Config) ectologger.Logger {
	minLevel := levelRank(cfg.LogLevel)
	pretty := cfg.PrettyLogs

	return ectologger.NewEctoLogger(func(message ectologger.EctoLogMessage) {
		if levelRank(fmt.Sprintf("%v", message.Level)) < minLevel {
			return
		}

		var data []byte
		if pretty {
			data, _ = json.MarshalIndent(message, "", "  ")
		} else {
			data, _ = json.Marshal(message)
		}
		fmt.Fprintln(os.Stdout, string(data))
	})
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 0
	case "info":
		return 1
	case "warn", "warning":
		return 2
	case "error":
		return 3
	default:
		return 1
	}
}
