package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver

	"connect/internal/codec"
	"connect/internal/config"
	"connect/internal/constants"
	"connect/internal/consumer"
	"connect/internal/docstore"
	"connect/internal/logger"
	"connect/internal/msglog"
	"connect/internal/schema"
	"connect/pkg/bootstrap"
	celpkg "connect/pkg/cel"
	"connect/pkg/health"
	"connect/pkg/metrics"
	"connect/pkg/migrations"
	"connect/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	mongoClient    *mongo.Client
	db             *sql.DB
	engine         *consumer.Engine
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("consumer-service")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitBroker("consumer-service"); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, "consumer-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterConsumerMetrics()
	metrics.RegisterSchemaMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initEngine(ctx); err != nil {
		return fmt.Errorf("failed to initialize consumer engine: %w", err)
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = rdb

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return err
	}
	if mongoClient == nil {
		return fmt.Errorf("mongodb is required for event handler configuration")
	}
	a.mongoClient = mongoClient

	if a.Config.Database.RunMigrations {
		if err := migrations.RunPostgres(a.db); err != nil {
			return fmt.Errorf("failed to run postgres migrations: %w", err)
		}
		mongoDB := a.mongoClient.Database(a.Config.Database.MongoDB.Database)
		if err := migrations.EnsureMongoCollection(ctx, mongoDB); err != nil {
			return fmt.Errorf("failed to ensure mongo indexes: %w", err)
		}
	}
	return nil
}

func (a *App) initEngine(_ context.Context) error {
	registryClient, err := schema.NewRegistryClient(a.Config.SchemaRegistry)
	if err != nil {
		return fmt.Errorf("failed to create schema registry client: %w", err)
	}
	var registry schema.Registry = registryClient
	if a.Config.CircuitBreaker.Enabled {
		registry = schema.NewCircuitBreakerRegistry(registryClient, a.Config.CircuitBreaker)
	}

	resolver := schema.NewResolver(
		schema.NewRedisCache(a.redis),
		schema.NewPostgresStore(a.db),
		registry,
		a.Config.Schema.CacheTTLSeconds,
		a.Logger,
	)

	avroCodec, err := codec.NewCodec(resolver)
	if err != nil {
		return fmt.Errorf("failed to create codec: %w", err)
	}

	eval, err := celpkg.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	mongoDB := a.mongoClient.Database(a.Config.Database.MongoDB.Database)
	a.engine = consumer.NewEngine(
		consumer.NewHandlerRepository(mongoDB),
		msglog.NewRepository(a.db),
		avroCodec,
		a.Consumer,
		docstore.NewPostgresStore(a.db),
		eval,
		a.Config.Consumer,
		a.Logger,
	)
	return nil
}

func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	healthRegistry.Register(health.NewRedisChecker(a.redis))
	healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	healthRegistry.Register(health.NewKafkaChecker(a.Config.Kafka.Brokers))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := healthRegistry.Check(r.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		fmt.Fprintf(w, `{"status":"%s","timestamp":"%s"}`, h.Status, h.Timestamp.Format(time.RFC3339))
	})

	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler: mux,
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.Logger.InfowCtx(gCtx, "Consumer engine starting", "topics", a.Config.Consumer.Topics)
		return a.engine.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(ctx, "Shutting down consumer service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)...)

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
