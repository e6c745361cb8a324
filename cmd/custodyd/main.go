// Custody daemon
// Serves the document custody and approval service over gRPC, the public
// verification API over HTTP, and metrics on a separate port
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nainya/custody/internal/config"
	"github.com/nainya/custody/internal/logger"
	"github.com/nainya/custody/internal/metrics"
	"github.com/nainya/custody/internal/server"
	"github.com/nainya/custody/pkg/approval"
	"github.com/nainya/custody/pkg/blobstore"
	"github.com/nainya/custody/pkg/directory"
	"github.com/nainya/custody/pkg/lease"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/notify"
	"github.com/nainya/custody/pkg/registry"
	"github.com/nainya/custody/pkg/store"
	"github.com/nainya/custody/pkg/verification"
)

var (
	configPath  = pflag.StringP("config", "c", "", "Config file path (default $"+config.EnvPath+")")
	grpcPort    = pflag.Int("grpc-port", 0, "gRPC port")
	httpPort    = pflag.Int("http-port", 0, "Public verification API port")
	metricsPort = pflag.Int("metrics-port", 0, "Metrics and profiling port")
	dbPath      = pflag.String("db", "", "SQLite database path; selects the sqlite store")
	ledgerPath  = pflag.String("ledger", "", "Ledger log directory; selects the wal ledger")
	blobRoot    = pflag.String("blobs", "", "Blob store directory")
	logLevel    = pflag.String("log-level", "", "Log level (debug, info, warn, error)")
	pretty      = pflag.Bool("pretty", false, "Pretty-print logs for development")
)

func main() {
	pflag.Parse()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.InitGlobalLogger(cfg.Log)
	log := logger.GetGlobalLogger()
	if err := run(cfg, log); err != nil {
		log.Fatal("custody server failed").Err(err).Send()
	}
}

// applyFlags overrides the loaded config with explicitly set flags
func applyFlags(cfg *config.Config) {
	flags := pflag.CommandLine
	if flags.Changed("grpc-port") {
		cfg.Server.GRPCPort = *grpcPort
	}
	if flags.Changed("http-port") {
		cfg.Server.HTTPPort = *httpPort
	}
	if flags.Changed("metrics-port") {
		cfg.Server.MetricsPort = *metricsPort
	}
	if flags.Changed("db") {
		cfg.Store.Driver = "sqlite"
		cfg.Store.SQLitePath = *dbPath
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Driver = "wal"
		cfg.Ledger.Path = *ledgerPath
	}
	if flags.Changed("blobs") {
		cfg.Blobs.Root = *blobRoot
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flags.Changed("pretty") {
		cfg.Log.Pretty = *pretty
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.LogServerStart(cfg.Server.GRPCPort, cfg.Server.HTTPPort, cfg.Store.Driver, cfg.Ledger.Driver)

	m := metrics.NewMetrics(nil)
	defer m.Stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("close failed").Err(err).Send()
			}
		}
	}()

	st, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	closers = append(closers, st)
	st = store.Instrument(st, m)

	blobs, err := openBlobs(cfg.Blobs)
	if err != nil {
		return err
	}

	led, closer, err := openLedger(cfg.Ledger, log)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	dir, err := openDirectory(cfg.Directory, log)
	if err != nil {
		return err
	}

	sink, closer := openSink(cfg.Notify, log)
	if closer != nil {
		closers = append(closers, closer)
	}
	dispatcher := notify.NewDispatcher(sink, notify.Options{
		QueueSize:      cfg.Notify.QueueSize,
		DeliverTimeout: cfg.Notify.DeliverTimeout,
		Logger:         log.Component("notify"),
		OnDrop:         m.RecordNotificationDropped,
	})
	defer dispatcher.Close()

	leases := lease.NewTable()
	reg, err := registry.New(registry.Options{
		Store:     st,
		Blobs:     blobs,
		Ledger:    led,
		Directory: dir,
		Leases:    leases,
		Notifier:  dispatcher,
		Metrics:   m,
		Logger:    log.Component("registry"),
		Config:    cfg.Registry,
	})
	if err != nil {
		return err
	}

	verifier, err := verification.New(verification.Options{
		Store:   st,
		Ledger:  led,
		Metrics: m,
		Logger:  log.Component("verification"),
		Config:  cfg.Verification,
	})
	if err != nil {
		return err
	}

	engine, err := approval.New(approval.Options{
		Store:     st,
		Ledger:    led,
		Documents: reg,
		Directory: dir,
		Issuer:    verifier,
		Leases:    leases,
		Notifier:  dispatcher,
		Metrics:   m,
		Logger:    log.Component("approval"),
		Config:    cfg.Approval,
	})
	if err != nil {
		return err
	}

	sweeper := approval.NewSweeper(engine, cfg.Approval.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	// Listeners
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.HTTPPort))
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}

	gs, hs := server.NewGRPCServer(server.NewServer(reg, engine, verifier), server.GRPCOptions{
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		Metrics:         m,
		Logger:          log,
	})
	public := server.NewPublicAPI(cfg.Server.HTTPPort, verifier, log)
	obs := server.NewObservabilityServer(cfg.Server.MetricsPort, nil, log)

	errCh := make(chan error, 3)
	go func() {
		if err := gs.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := public.Serve(httpLis); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := obs.Start(); err != nil {
			errCh <- err
		}
	}()

	server.SetServing(hs, true)
	obs.SetReady(true)
	log.LogServerReady(cfg.Server.GRPCPort)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// Handle graceful shutdown
	log.LogServerShutdown()
	server.SetServing(hs, false)
	obs.SetReady(false)

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		gs.Stop()
	}
	if err := public.Shutdown(shutdownCtx); err != nil {
		log.Warn("public API shutdown").Err(err).Send()
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn("observability shutdown").Err(err).Send()
	}
	return runErr
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.OpenSQLite(ctx, store.SQLiteConfig{
			Path:     cfg.SQLitePath,
			PoolSize: cfg.PoolSize,
			Logger:   log.Component("store"),
		})
	default:
		log.Warn("using in-memory store; state is lost on restart").Send()
		return store.NewMemory(), nil
	}
}

func openBlobs(cfg config.BlobsConfig) (blobstore.Store, error) {
	if cfg.Root == "" {
		return blobstore.NewMemoryStore(), nil
	}
	c, err := blobstore.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	fs, err := blobstore.NewFSStore(cfg.Root, c)
	if err != nil {
		return nil, err
	}
	return blobstore.WithRetry(fs, cfg.Retry), nil
}

func openLedger(cfg config.LedgerConfig, log *logger.Logger) (ledger.Ledger, io.Closer, error) {
	if cfg.Driver != "wal" {
		return ledger.NewMemoryLedger(cfg.AuthorizedSigners...), nil, nil
	}
	l, err := ledger.Open(ledger.Options{
		Path:              cfg.Path,
		SegmentSize:       cfg.SegmentSize,
		SyncWrites:        cfg.Sync,
		AuthorizedSigners: cfg.AuthorizedSigners,
		Logger:            log.Component("ledger"),
	})
	if err != nil {
		return nil, nil, err
	}
	return ledger.WithRetry(l, cfg.Retry), l, nil
}

func openDirectory(cfg config.DirectoryConfig, log *logger.Logger) (directory.Directory, error) {
	if cfg.File == "" {
		log.Warn("no directory file; identities resolve without institution or role").Send()
		return directory.Open{}, nil
	}
	d, err := directory.LoadFile(cfg.File)
	if err != nil {
		return nil, err
	}
	log.Info("directory loaded").Str("file", cfg.File).Int("identities", d.Len()).Send()
	return directory.WithRetry(d, cfg.Retry), nil
}

func openSink(cfg config.NotifyConfig, log *logger.Logger) (notify.Sink, io.Closer) {
	if cfg.Driver == "redis" {
		sink := notify.NewRedisSink(cfg.RedisAddr, cfg.ChannelPrefix)
		log.Info("publishing notifications to redis").Str("addr", cfg.RedisAddr).Send()
		return sink, sink
	}
	return notify.LogSink{Logger: log.Component("notify")}, nil
}
