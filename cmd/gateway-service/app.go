package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	_ "github.com/lib/pq" // PostgreSQL driver

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"connect/internal/codec"
	"connect/internal/config"
	"connect/internal/constants"
	"connect/internal/consumer"
	"connect/internal/docstore"
	"connect/internal/gateway"
	"connect/internal/logger"
	"connect/internal/msglog"
	"connect/internal/producer"
	"connect/internal/schema"
	"connect/pkg/bootstrap"
	celpkg "connect/pkg/cel"
	"connect/pkg/health"
	"connect/pkg/metrics"
	"connect/pkg/middleware"
	"connect/pkg/migrations"
	"connect/pkg/ratelimit"
	"connect/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector     *bootstrap.DatabaseConnector
	redis           *redis.Client
	mongoClient     *mongo.Client
	db              *sql.DB
	producerService *producer.Service
	server          *http.Server
	router          *gin.Engine
	tracerProvider  *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("gateway-service")
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

	if err := a.InitBroker("gateway-service"); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, "gateway-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterProducerMetrics()
	metrics.RegisterSchemaMetrics()
	metrics.RegisterGatewayMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initRouter(ctx); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}
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
		if err := migrations.EnsureMongoCollection(ctx, a.mongoDatabase()); err != nil {
			return fmt.Errorf("failed to ensure mongo indexes: %w", err)
		}
	}
	return nil
}

func (a *App) mongoDatabase() *mongo.Database {
	return a.mongoClient.Database(a.Config.Database.MongoDB.Database)
}

func (a *App) initRouter(ctx context.Context) error {
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

	messageLog := msglog.NewRepository(a.db)
	docs := docstore.NewPostgresStore(a.db)
	rules := producer.NewPostgresRuleRepository(a.db, a.Logger)
	handlers := consumer.NewHandlerRepository(a.mongoDatabase())

	a.producerService = producer.NewService(
		rules, messageLog, avroCodec, a.Producer, docs, eval,
		a.Config.Producer, a.Config.Kafka.CommandTopic, a.Logger,
	)
	a.producerService.Start()

	kafkaCheck := health.NewKafkaChecker(a.Config.Kafka.Brokers)
	registryCheck := health.NewSchemaRegistryChecker(
		a.Config.SchemaRegistry.URL,
		a.Config.SchemaRegistry.Username,
		a.Config.SchemaRegistry.Password,
	)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	healthRegistry.Register(health.NewRedisChecker(a.redis))
	healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	healthRegistry.Register(kafkaCheck)
	healthRegistry.Register(registryCheck)

	svc := gateway.NewService(
		kafkaCheck, registryCheck, resolver, a.producerService,
		rules, handlers, messageLog, docs,
		gateway.NewAuditLogger(a.db),
		gateway.NewValidator(eval),
		a.Logger,
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware("gateway-service"))
	}
	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.CorrelationIDMiddleware())

	if a.Config.Gateway.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.Config.Gateway.RateLimit.RPS,
			Burst:           a.Config.Gateway.RateLimit.Burst,
			CleanupInterval: time.Duration(a.Config.Gateway.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.Config.Gateway.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	handler := gateway.NewHandler(svc, healthRegistry, a.Logger)
	handler.RegisterRoutes(router)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(ctx, "Shutting down gateway service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

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
