package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-travel-approvals/internal/client"
	"github.com/pesio-ai/be-travel-approvals/internal/escalation"
	"github.com/pesio-ai/be-travel-approvals/internal/events"
	"github.com/pesio-ai/be-travel-approvals/internal/handler"
	"github.com/pesio-ai/be-travel-approvals/internal/metrics"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/config"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/database"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/messaging"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/tracing"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
	"github.com/pesio-ai/be-travel-approvals/internal/workflowconfig"
)

// storage bundles the repository implementations selected by STORAGE_DRIVER.
type storage struct {
	workflows repository.WorkflowRepository
	ledger    repository.LedgerRepository
	audit     repository.AuditRepository
	steps     workflowconfig.Source
	close     func()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Travel Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Setup()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up tracing")
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
	}

	// Storage
	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer store.close()

	// Workflow step configuration
	steps, err := workflowconfig.NewStore(ctx, store.steps, log.Component("workflowconfig").Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load workflow step configuration")
	}

	// gRPC collaborators
	clientCfg := client.Config{
		CallTimeout:     cfg.Clients.CallTimeout,
		BreakerTimeout:  cfg.Clients.BreakerTimeout,
		BreakerFailures: cfg.Clients.BreakerFailures,
	}
	clientLog := log.Component("client").Logger

	directoryClient, err := client.NewDirectoryGRPCClient(cfg.Clients.DirectoryAddr, clientCfg, clientLog)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create directory gRPC client")
	}
	defer directoryClient.Close()

	policyClient, err := client.NewPolicyGRPCClient(cfg.Clients.PolicyAddr, clientCfg, clientLog)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create policy gRPC client")
	}
	defer policyClient.Close()

	travelRequestClient, err := client.NewTravelRequestGRPCClient(cfg.Clients.TravelRequestAddr, clientCfg, clientLog)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create travel requests gRPC client")
	}
	defer travelRequestClient.Close()

	log.Info().
		Str("directory_grpc", cfg.Clients.DirectoryAddr).
		Str("policy_grpc", cfg.Clients.PolicyAddr).
		Str("travel_requests_grpc", cfg.Clients.TravelRequestAddr).
		Msg("gRPC service clients initialized")

	opts := []service.Option{
		service.WithDirectory(directoryClient),
		service.WithPolicy(policyClient),
		service.WithTravelRequestSync(travelRequestClient),
		service.WithManagerRole(cfg.Workflow.ManagerRole),
	}

	// NATS JetStream
	var nc *messaging.Client
	if cfg.NATS.URL != "" {
		nc, err = messaging.Connect(ctx, messaging.Config{
			URL:      cfg.NATS.URL,
			Name:     cfg.Service.Name,
			Stream:   cfg.NATS.Stream,
			Subjects: []string{cfg.NATS.InboundSubject, cfg.NATS.StatusSubject, cfg.NATS.NotifyPrefix + ".>"},
		}, log.Component("nats").Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()

		eventsLog := log.Component("events").Logger
		opts = append(opts,
			service.WithStatusPublisher(events.NewStatusPublisher(nc.JetStream(), cfg.NATS.StatusSubject, eventsLog)),
			service.WithNotifier(client.NewNotificationPublisher(nc.JetStream(), cfg.NATS.NotifyPrefix, clientLog)),
		)
	} else {
		log.Warn().Msg("NATS_URL not set, event publishing and request intake disabled")
	}

	// Services
	workflowService := service.NewWorkflowService(store.workflows, store.ledger, store.audit, steps, log, opts...)

	var consumer *events.RequestCreatedConsumer
	if nc != nil {
		consumer = events.NewRequestCreatedConsumer(workflowService, log.Component("events").Logger)
		if err := consumer.Start(ctx, nc.JetStream(), events.ConsumerConfig{
			Stream:     cfg.NATS.Stream,
			Subject:    cfg.NATS.InboundSubject,
			Durable:    cfg.NATS.ConsumerDurable,
			MaxDeliver: cfg.NATS.ConsumerMaxRetry,
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to start travel request consumer")
		}
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	aggregator := metrics.NewAggregator(store.workflows, store.ledger)
	registry.MustRegister(metrics.NewCollector(aggregator, cfg.Clients.CallTimeout, log.Component("metrics").Logger))

	// Escalation scheduler
	var scheduler *escalation.Scheduler
	if cfg.Scheduler.Enabled {
		schedOpts := []escalation.Option{escalation.WithMetrics(metrics.NewSchedulerMetrics(registry))}
		if cfg.Redis.Addr != "" {
			rdb := escalation.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			defer rdb.Close()
			schedOpts = append(schedOpts, escalation.WithLease(
				escalation.NewRedisLease(rdb, cfg.Redis.LockKey, cfg.Scheduler.LeaseTTL, log.Component("lease").Logger),
			))
		}
		scheduler = escalation.NewScheduler(store.workflows, workflowService, escalation.Config{
			Interval:    cfg.Scheduler.Interval,
			BatchSize:   cfg.Scheduler.BatchSize,
			Concurrency: cfg.Scheduler.Concurrency,
		}, log.Component("escalation"), schedOpts...)
		scheduler.Start(ctx)
	}

	// HTTP server
	httpHandler := handler.NewHTTPHandler(workflowService, aggregator, log)
	router := handler.NewRouter(httpHandler, handler.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Registerer:     registry,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC server: health and reflection for operators
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// SIGHUP reloads step configuration; SIGINT and SIGTERM shut down.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range signals {
		if sig != syscall.SIGHUP {
			break
		}
		if err := workflowService.ReloadWorkflowConfigurations(ctx); err != nil {
			log.Error().Err(err).Msg("Workflow configuration reload failed, keeping previous snapshot")
		}
	}

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	if scheduler != nil {
		scheduler.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

// openStorage selects Postgres or in-memory repositories. The step
// configuration source follows WORKFLOW_CONFIG_SOURCE.
func openStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (*storage, error) {
	fileSource := workflowconfig.NewFileSource(cfg.Workflow.StepsFile)

	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("Using in-memory storage, state is lost on restart")
		repo := repository.NewMemoryRepository()
		return &storage{
			workflows: repo,
			ledger:    repo,
			audit:     repo.Audit(),
			steps:     fileSource,
			close:     func() {},
		}, nil
	}

	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Database connection established")

	s := &storage{
		workflows: repository.NewPostgresWorkflowRepository(db),
		ledger:    repository.NewPostgresLedgerRepository(db),
		audit:     repository.NewPostgresAuditRepository(db),
		steps:     fileSource,
		close:     db.Close,
	}
	if cfg.Workflow.Source == "postgres" {
		s.steps = repository.NewStepDefinitionRepository(db)
	}
	return s, nil
}
