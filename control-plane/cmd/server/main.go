package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"deploy-relay/control-plane/internal/archive"
	"deploy-relay/control-plane/internal/config"
	"deploy-relay/control-plane/internal/gitutil"
	"deploy-relay/control-plane/internal/httpapi"
	"deploy-relay/control-plane/internal/jenkins"
	"deploy-relay/control-plane/internal/logging"
	"deploy-relay/control-plane/internal/logstream"
	"deploy-relay/control-plane/internal/producer"
	"deploy-relay/control-plane/internal/queue"
	"deploy-relay/control-plane/internal/runnergrpc"
	"deploy-relay/control-plane/internal/storage"
	"deploy-relay/control-plane/internal/store"
	"deploy-relay/control-plane/internal/store/memstore"
	"deploy-relay/control-plane/internal/store/pgstore"
	"deploy-relay/control-plane/proto/ingestpb"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.String("config", os.Getenv("CONFIG_FILE"), "path to a .yaml or .toml config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("Control plane stopped: %v", err)
	}
	log.Println("Control plane stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// 1. Log relay core
	metrics := logstream.DefaultMetrics()
	registry := logstream.NewRegistry(metrics)
	publisher := logstream.NewPublisher(registry,
		logstream.WithSendTimeout(cfg.Relay.SendTimeout),
		logstream.WithLogger(logger),
		logstream.WithMetrics(metrics),
	)
	lifecycle := logstream.NewLifecycle(registry, logger, metrics)

	// 2. Deploy metadata
	var deploys store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()

		pg := pgstore.New(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		deploys = pg
		log.Println("Connected to PostgreSQL")
	} else {
		deploys = memstore.New()
		log.Println("DATABASE_URL not set, keeping deploys in memory")
	}

	g, ctx := errgroup.WithContext(ctx)

	// 3. Log archive, observing everything that enters the local relay
	var (
		local     logstream.Sink = publisher
		archiver  *archive.Archiver
		presigner httpapi.URLPresigner
	)
	if cfg.MinIO.Endpoint != "" {
		minioClient, err := storage.NewMinIOClient(ctx, cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.Secure)
		if err != nil {
			return err
		}
		archiver = archive.New(minioClient, deploys, logger)
		local = archiver.Observe(publisher)
		presigner = minioClient
		log.Printf("Archiving deploy logs to MinIO bucket %s", cfg.MinIO.Bucket)
	}

	// 4. Cross-process fan-out
	sink := local
	if cfg.RabbitMQ.URL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer conn.Close()

		bus, err := queue.NewBus(conn, cfg.RabbitMQ.Exchange)
		if err != nil {
			return err
		}
		defer bus.Close()

		// Keeps consuming through shutdown so archive flushes can complete.
		consumeCtx, stopConsuming := context.WithCancel(context.WithoutCancel(ctx))
		defer stopConsuming()
		consumer, err := queue.StartFanoutConsumer(consumeCtx, conn, cfg.RabbitMQ.Exchange, local, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()

		g.Go(func() error {
			select {
			case err, ok := <-consumer.Errors():
				if ok && err != nil {
					return fmt.Errorf("fan-out consumer: %w", err)
				}
				return nil
			case <-ctx.Done():
				return nil
			}
		})
		sink = bus
		log.Printf("Fan-out through RabbitMQ exchange %s (queue %s)", cfg.RabbitMQ.Exchange, consumer.QueueName())
	}
	if archiver != nil {
		archiver.SetUpstream(sink)
	}

	opts := httpapi.Options{
		Store:         deploys,
		Sink:          sink,
		Lifecycle:     lifecycle,
		Commits:       gitutil.NewClient(cfg.GitHub.APIURL, ""),
		Presigner:     presigner,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		Metrics:       promhttp.Handler(),
		Logger:        logger,
	}

	// 5. Jenkins trigger and console relay
	var poller *producer.Poller
	if cfg.JenkinsEnabled() {
		jc := jenkins.NewClient(cfg.Jenkins.URL, cfg.Jenkins.User, cfg.Jenkins.Token, cfg.Jenkins.JobName, logger)
		opts.Jenkins = jc

		if cfg.Relay.PollConsole {
			var finisher producer.Finisher
			if archiver != nil {
				finisher = archiver
				opts.Collector = archiver
			}
			poller = producer.New(jc, sink, deploys, finisher, producer.Options{
				Interval:    cfg.Relay.PollInterval,
				PollTimeout: cfg.Relay.PollTimeout,
				MaxWait:     cfg.Relay.MaxWait,
			}, logger)
			opts.Watcher = poller
		}
		log.Printf("Jenkins job %s at %s", cfg.Jenkins.JobName, cfg.Jenkins.URL)
	} else {
		log.Println("Jenkins not configured, deploy triggers disabled")
	}

	// 6. HTTP API + WebSocket
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.New(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Printf("HTTP + WebSocket server listening on %s", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	// 7. Runner gRPC ingest
	var grpcServer *grpc.Server
	if cfg.GRPC.Addr != "" {
		listener, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		grpcServer = grpc.NewServer()
		ingestpb.RegisterLogIngestServer(grpcServer, runnergrpc.NewRunnerServer(sink, logger))

		g.Go(func() error {
			log.Printf("gRPC log ingest listening on %s", cfg.GRPC.Addr)
			if err := grpcServer.Serve(listener); err != nil {
				return fmt.Errorf("gRPC server failed: %w", err)
			}
			return nil
		})
	}

	log.Println("Control plane ready to serve requests...")

	// 8. Shutdown
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		if poller != nil {
			poller.Stop()
		}
		closed := registry.CloseAll("server shutting down")
		logger.Info("closed subscribers", "count", closed)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
