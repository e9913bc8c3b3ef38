/**
 * @description
 * This is the main entry point for the booking-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, message broker, Redis rate limiting, repositories, the lifecycle
 * coordinator and flow service, the stale-flow sweeper, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/booking, internal/config, internal/store: Internal packages.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/builderhub/booking-service/internal/api"
	"github.com/builderhub/booking-service/internal/booking"
	"github.com/builderhub/booking-service/internal/clock"
	"github.com/builderhub/booking-service/internal/config"
	"github.com/builderhub/booking-service/internal/ratelimit"
	"github.com/builderhub/booking-service/internal/store"
	"github.com/builderhub/booking-service/internal/token"
	"github.com/builderhub/booking-service/internal/webhook"
	"github.com/builderhub/booking-service/migrations"
	rmrabbit "github.com/builderhub/booking-service/pkg/rabbitmq"
)

func main() {
	// Load .env for local development; in deployed environments the variables
	// come from the platform.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config invalid\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting booking-service\" port=%s environment=%s", cfg.ServerPort, cfg.Environment)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	if err := migrations.Apply(context.Background(), dbpool); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"migrations applied\"")

	// Initialize the RabbitMQ producer for lifecycle event fan-out. The service
	// degrades to a logging fallback when the broker is unreachable at startup.
	var lifecyclePublisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		lifecyclePublisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		lifecyclePublisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis-backed rate limiting is best-effort: a missing or unreachable Redis
	// disables throttling but never blocks startup.
	var limiter *ratelimit.RedisLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer and the lifecycle machinery.
	repository := store.NewPostgresRepository(dbpool)
	systemClock := clock.NewSystem()
	machine := booking.NewMachine(cfg.PaymentRetryLimit)
	coordinator := booking.NewCoordinator(repository, machine, systemClock, lifecyclePublisher)
	codec := token.NewRecoveryCodec(cfg.RecoveryTokenSecret, time.Duration(cfg.RecoveryTokenMaxAgeMinutes)*time.Minute, systemClock)
	flowService := booking.NewService(repository, coordinator, codec, systemClock, cfg.CalendlySchedulingURL)

	// Start the stale-flow sweeper.
	sweeper := booking.NewSweeper(repository, coordinator, systemClock, time.Duration(cfg.StaleBookingTTLMinutes)*time.Minute, cfg.StaleBookingSweepSchedule)
	sweeper.Start()
	defer func() {
		<-sweeper.Stop().Done()
	}()

	// Initialize the API handlers.
	tolerance := time.Duration(cfg.WebhookToleranceSeconds) * time.Second
	handlers := api.NewBookingHandlers(flowService, coordinator, limiter, systemClock, api.HandlerOptions{
		CalendlySignature: webhook.SignatureConfig{
			Scheme:       webhook.SignatureScheme(cfg.CalendlySignatureScheme),
			PrimaryKey:   cfg.CalendlySigningKey,
			SecondaryKey: cfg.CalendlySecondarySigningKey,
			Tolerance:    tolerance,
		},
		StripeSignature: webhook.SignatureConfig{
			Scheme:       webhook.SignatureScheme(cfg.StripeSignatureScheme),
			PrimaryKey:   cfg.StripeSigningKey,
			SecondaryKey: cfg.StripeSecondarySigningKey,
			Tolerance:    tolerance,
		},
		AllowUnverified:  cfg.AllowUnverifiedWebhooks && !cfg.Production(),
		WebhookRateLimit: cfg.WebhookRateLimitPerMinute,
		ResumeRateLimit:  cfg.ResumeRateLimitPerMinute,
	})

	router := api.BookingRoutes(handlers, cfg.AuthJWTSecret)

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
