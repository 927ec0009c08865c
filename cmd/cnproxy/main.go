// Package main is the entry point for the Stratum mining proxy. It
// handles configuration loading, logger initialization, pool/server/
// proxy wiring, and graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sstolzenberg/cnproxy/internal/config"
	"github.com/sstolzenberg/cnproxy/internal/cryptonight"
	"github.com/sstolzenberg/cnproxy/internal/logging"
	"github.com/sstolzenberg/cnproxy/internal/pool"
	"github.com/sstolzenberg/cnproxy/internal/proxy"
	"github.com/sstolzenberg/cnproxy/internal/server"
	"github.com/sstolzenberg/cnproxy/internal/telemetry"
)

var (
	configPath = flag.String("config", "config.json", "Path to configuration file")
	threads    = flag.Int("thread", 0, "Worker threads to advertise to pools (0 = auto)")
	logLevel   = flag.Int("log-level", int(logging.LevelInfo), "Log verbosity, 0 (fatal) .. 5 (trace)")
	version    = "1.0.0"
)

// exit codes: 0 normal, 1 help/usage or startup failure, -1 malformed
// arguments.
const (
	exitOK             = 0
	exitHelp           = 1
	exitStartupFailure = 1
	exitBadArguments   = -1
)

func main() {
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(exitHelp)
		}
		os.Exit(exitBadArguments)
	}
	if *threads < 0 || *logLevel < 0 || *logLevel > 5 {
		fmt.Fprintln(os.Stderr, "cnproxy: --thread must be >= 0 and --log-level must be 0..5")
		os.Exit(exitBadArguments)
	}

	logger, err := logging.New(logging.Level(*logLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cnproxy: failed to initialize logger: %v\n", err)
		os.Exit(exitStartupFailure)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		os.Exit(exitStartupFailure)
	}

	effectiveThreads := *threads
	if effectiveThreads == 0 {
		effectiveThreads = cfg.Threads
	}
	if effectiveThreads == 0 {
		effectiveThreads = runtime.NumCPU()
	}

	logger.Info("starting cnproxy",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("threads", effectiveThreads),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()

	px := proxy.New(logger, time.Duration(cfg.PoolLoadBalanceIntervalSeconds)*time.Second)
	px.SetMetrics(proxy.NewMetrics(registry, "cnproxy_reassignments_total"))

	pools, err := dialPools(ctx, cfg.Pools, logger, registry)
	if err != nil {
		logger.Error("failed to start pool connections", zap.Error(err))
		os.Exit(exitStartupFailure)
	}
	for _, pl := range pools {
		px.AddPool(pl)
		go func(pl *pool.Pool) {
			if err := pl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("pool connection ended", zap.String("host", pl.Host()), zap.Error(err))
			}
		}(pl)
	}
	px.OnPoolLost = func(pl *pool.Pool) {
		logger.Warn("pool connection lost, will not auto-reconnect past startup", zap.String("host", pl.Host()))
	}

	servers, err := startServers(ctx, cfg.Server, logger, registry, px)
	if err != nil {
		logger.Error("failed to start listeners", zap.Error(err))
		os.Exit(exitStartupFailure)
	}

	go px.Run(ctx)

	if cfg.CCClient != nil {
		go runTelemetry(ctx, *cfg.CCClient, logger, px, effectiveThreads)
	}

	metricsSrv := startMetricsServer(registry, logger)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down listener", zap.Error(err))
		}
	}
	for _, pl := range pools {
		pl.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("cnproxy shutdown complete")
}

func dialPools(ctx context.Context, cfgs []config.PoolConfig, logger *zap.Logger, registry prometheus.Registerer) ([]*pool.Pool, error) {
	pools := make([]*pool.Pool, 0, len(cfgs))
	for i, pc := range cfgs {
		connType := config.ResolveConnectionType(pc.ConnectionType, pc.Port)
		pl := pool.New(pool.Config{
			Host:        pc.Host,
			Port:        pc.Port,
			TLS:         connType == config.ConnectionTLS,
			Username:    pc.Username,
			Password:    pc.Password,
			Agent:       fmt.Sprintf("cnproxy/%s", version),
			Weight:      pc.Weight,
			Algorithm:   cryptonight.Variant(pc.Algorithm),
			DialTimeout: 10 * time.Second,
		}, identityCollapser{}, logger)
		pl.SetMetrics(pool.NewMetrics(registry, fmt.Sprintf("cnproxy_pool_%d_submits_total", i)))

		if err := pl.Dial(ctx); err != nil {
			return nil, fmt.Errorf("cnproxy: dial pool %s:%d: %w", pc.Host, pc.Port, err)
		}
		pools = append(pools, pl)
	}
	return pools, nil
}

func startServers(ctx context.Context, cfgs []config.ServerConfig, logger *zap.Logger, registry prometheus.Registerer, px *proxy.Proxy) ([]*server.Server, error) {
	servers := make([]*server.Server, 0, len(cfgs))
	for i, sc := range cfgs {
		connType := config.ResolveConnectionType(sc.ConnectionType, sc.Port)
		srvCfg := server.Config{
			Host:           sc.Host,
			Port:           sc.Port,
			MaxConnections: 0,
		}
		if connType == config.ConnectionTLS {
			srvCfg.TLS = server.TLSConfig{Enabled: true, CertFile: sc.CertificateChainFile, KeyFile: sc.PrivateKeyFile}
		}

		srv := server.New(srvCfg, logger)
		srv.NewSession = px.NewSession
		srv.SetMetrics(server.NewMetrics(registry, fmt.Sprintf("cnproxy_server_%d", i)))

		if err := srv.Listen(); err != nil {
			return nil, err
		}
		go func() {
			if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("listener stopped", zap.Error(err))
			}
		}()
		servers = append(servers, srv)
	}
	return servers, nil
}

func startMetricsServer(registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: "127.0.0.1:9090", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}

func runTelemetry(ctx context.Context, cc config.CCClientConfig, logger *zap.Logger, px *proxy.Proxy, threads int) {
	connType := config.ResolveConnectionType(cc.ConnectionType, cc.Port)
	workerID := cc.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	reporter := telemetry.New(telemetry.Config{
		Host:                  cc.Host,
		Port:                  cc.Port,
		TLS:                   connType == config.ConnectionTLS,
		WorkerID:              workerID,
		AccessToken:           cc.AccessToken,
		UpdateIntervalSeconds: cc.UpdateIntervalSeconds,
	}, logger, nil)
	reporter.Sources = func() []telemetry.ClientStatus {
		statuses := px.Statuses(time.Now())
		for i := range statuses {
			statuses[i].CurrentThreads = threads
		}
		return statuses
	}
	reporter.Run(ctx)
}

// identityCollapser stands in for the Monero merge-mining template collapser
// that scopes out of the core hashing surface: pool jobs this proxy mints
// from carry no reserved merge-mining template, so Collapse is never
// actually invoked against a template blob in practice.
type identityCollapser struct{}

func (identityCollapser) Collapse(template []byte) ([]byte, error) { return template, nil }
