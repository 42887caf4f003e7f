// attrstore gRPC Server
// Serves the event and entity record stores over gRPC
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sethvargo/go-retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/attrstore/internal/config"
	"github.com/nainya/attrstore/internal/logger"
	"github.com/nainya/attrstore/internal/metrics"
	"github.com/nainya/attrstore/internal/server"
	"github.com/nainya/attrstore/pkg/entitystore"
	"github.com/nainya/attrstore/pkg/eventstore"
	"github.com/nainya/attrstore/pkg/qfd"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/wal"
)

var (
	configPath  = flag.String("config", "", "YAML config file")
	port        = flag.Int("port", 0, "The gRPC port (overrides config)")
	metricsPort = flag.Int("metrics-port", 0, "The metrics/health HTTP port (overrides config)")
	walPath     = flag.String("wal", "", "Write-ahead log base path (overrides config)")
	inMemory    = flag.Bool("in-memory", false, "Run without a write-ahead log")
	logLevel    = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "attrstore: %v\n", err)
		os.Exit(1)
	}

	logger.InitGlobalLogger(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logger.GetGlobalLogger()

	if err := run(cfg, log); err != nil {
		log.Error("server failed").Err(err).Send()
		os.Exit(1)
	}
}

func loadConfig() (config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return config.ServerConfig{}, err
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.GrpcPort = *port
	}
	if *metricsPort != 0 {
		cfg.MetricsPort = *metricsPort
	}
	if *walPath != "" {
		cfg.WALPath = *walPath
	}
	if *inMemory {
		cfg.WALPath = ""
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return cfg, cfg.Validate()
}

// openStore opens the substrate, retrying while the WAL is unavailable
func openStore(ctx context.Context, cfg config.ServerConfig, log *logger.Logger) (*tablet.Store, error) {
	codec, err := wal.ParseCodec(cfg.WALCompression)
	if err != nil {
		return nil, err
	}
	opts := tablet.Options{
		WALPath:            cfg.WALPath,
		WALCodec:           codec,
		CheckpointInterval: cfg.CheckpointInterval,
		OnCheckpointError: func(err error) {
			log.Error("checkpoint failed").Err(err).Send()
		},
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	var store *tablet.Store
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := tablet.Open(opts)
		if err != nil {
			log.Warn("opening store").Err(err).Send()
			return retry.RetryableError(err)
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cfg.WALPath != "" {
		stats := store.RecoveryStats()
		log.LogRecovery(cfg.WALPath, stats.CommittedBatches, stats.UncommittedBatches, stats.DamagedFiles)
	}
	return store, nil
}

func run(cfg config.ServerConfig, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.LogServerStart(cfg.GrpcPort, cfg.WALPath)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	uptimeDone := make(chan struct{})
	defer close(uptimeDone)
	go m.RunUptime(uptimeDone)

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	opts := []qfd.Option{qfd.WithLogger(log), qfd.WithMetrics(m)}
	events, err := eventstore.New(store, cfg.Store, opts...)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	entities, err := entitystore.New(store, cfg.Store, opts...)
	if err != nil {
		_ = events.Shutdown(context.Background())
		return fmt.Errorf("open entity store: %w", err)
	}
	srv := server.NewServer(events, entities, log)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GrpcPort))
	if err != nil {
		_ = srv.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024), // 100 MB
		grpc.MaxSendMsgSize(100*1024*1024), // 100 MB
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	server.RegisterRecordStoreServer(grpcServer, srv)

	// Register reflection service for grpcurl/grpcui
	reflection.Register(grpcServer)

	obs := server.NewObservabilityServer(cfg.MetricsPort, reg, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("observability server failed").Err(err).Send()
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(lis)
	}()
	log.LogServerReady(cfg.GrpcPort)

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	log.LogServerShutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := obs.Shutdown(shutdownCtx); serr != nil {
		log.Warn("observability shutdown").Err(serr).Send()
	}
	if cerr := srv.Close(shutdownCtx); cerr != nil {
		return fmt.Errorf("close stores: %w", cerr)
	}
	return err
}
