// Package main is the entrypoint for the AMQP reverse proxy. It loads
// the bootstrap configuration, wires the shared stores, starts the
// metrics and control-channel listeners, then runs the main client
// acceptor until a shutdown signal arrives.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amqpprox/amqpprox/internal/auth"
	"github.com/amqpprox/amqpprox/internal/backend"
	"github.com/amqpprox/amqpprox/internal/bufpool"
	"github.com/amqpprox/amqpprox/internal/config"
	"github.com/amqpprox/amqpprox/internal/control"
	"github.com/amqpprox/amqpprox/internal/events"
	"github.com/amqpprox/amqpprox/internal/limiter"
	"github.com/amqpprox/amqpprox/internal/metrics"
	"github.com/amqpprox/amqpprox/internal/resolver"
	"github.com/amqpprox/amqpprox/internal/route"
	"github.com/amqpprox/amqpprox/internal/session"
	"github.com/amqpprox/amqpprox/internal/stats"
	"github.com/amqpprox/amqpprox/internal/vhost"
)

var (
	configPath        = flag.String("config", "configs/amqpprox.yaml", "Path to bootstrap configuration file")
	logDirectory      = flag.String("logDirectory", "", "Directory to write log files to (overrides config)")
	controlSocket     = flag.String("controlSocket", "", "Path to the control channel UNIX socket (overrides config)")
	cleanupIntervalMs = flag.Int("cleanupIntervalMs", 0, "Session cleanup sweep interval in milliseconds (overrides config)")
)

const resolverCacheTimeout = 30 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amqpprox: loading config: %v\n", err)
		os.Exit(1)
	}
	if *logDirectory != "" {
		cfg.Proxy.LogDirectory = *logDirectory
	}
	if *controlSocket != "" {
		cfg.Proxy.ControlSocket = *controlSocket
	}
	if *cleanupIntervalMs != 0 {
		cfg.Proxy.CleanupIntervalMs = *cleanupIntervalMs
	}

	logger, err := newLogger(cfg.Proxy.LogDirectory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amqpprox: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Infow("starting amqpprox", "listener", fmt.Sprintf("%s:%d", cfg.Proxy.Listener.Addr, cfg.Proxy.Listener.Port))

	backends := backend.NewStore()
	farms := backend.NewFarmStore()
	vhosts := vhost.NewMap()
	limiters := limiter.NewManager(sugar)
	authHolder := auth.NewHolder()
	dnsResolver := resolver.New(resolverCacheTimeout)
	dnsResolver.StartCleanupTimer(resolverCacheTimeout)
	defer dnsResolver.StopCleanupTimer()

	applyBootstrapConfig(cfg, backends, farms, vhosts, limiters, authHolder, dnsResolver)

	// Pre-register per-vhost gauges so they appear in scrapes before
	// the first connection lands.
	for _, m := range cfg.Maps {
		metrics.ConnectionsActive.WithLabelValues(m.Vhost).Add(0)
	}

	selector := route.New(limiters, vhosts, backends, farms)
	eventSource := &events.Source{}
	pool := bufpool.New(bufpool.DefaultClasses)

	sessionRegistry := &stats.Registry{}
	sessionCollector := &stats.Collector{}
	cleanup := stats.NewCleanup(sessionRegistry, sessionCollector, time.Duration(cfg.Proxy.CleanupIntervalMs)*time.Millisecond)

	tlsStore := control.NewTLSStore()
	ingressTLS, err := loadIngressTLSConfig(cfg.Proxy.Listener.TLS)
	if err != nil {
		sugar.Fatalw("loading listener TLS material", "error", err)
	}
	if ingressTLS != nil {
		tlsStore.Set("listener")
	}
	egressTLS := &tls.Config{MinVersion: tls.VersionTLS12}

	controlDeps := control.Deps{
		Backends:  backends,
		Farms:     farms,
		Vhosts:    vhosts,
		Limiters:  limiters,
		Auth:      authHolder,
		Resolver:  dnsResolver,
		Sessions:  sessionRegistry,
		Collector: sessionCollector,
		TLS:       tlsStore,
	}
	controlServer := control.New(controlDeps, sugar)
	if err := controlServer.Listen(cfg.Proxy.ControlSocket); err != nil {
		sugar.Fatalw("control channel listen failed", "error", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Proxy.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Proxy.Listener.Addr, cfg.Proxy.Listener.Port)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		sugar.Fatalw("main listener failed", "error", err, "addr", listenAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		sugar.Infow("metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		cleanup.Run()
		return nil
	})

	group.Go(func() error {
		sugar.Infow("main listener ready", "addr", listenAddr)
		return acceptLoop(groupCtx, listener, sugar, session.Deps{
			Pool:           pool,
			Events:         eventSource,
			Resolver:       dnsResolver,
			Selector:       selector,
			Vhosts:         vhosts,
			Auth:           authHolder,
			IngressTLS:     ingressTLS,
			EgressTLS:      egressTLS,
			Logger:         sugar,
			MaxFrameSize:   cfg.Proxy.MaxFrameSize,
			ChannelMax:     cfg.Proxy.ChannelMax,
			Heartbeat:      cfg.Proxy.Heartbeat,
			ProxyIdentity:  "amqpprox",
			ClientIdentity: "",
		}, sessionRegistry)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		sugar.Infow("received shutdown signal", "signal", sig.String())
	case <-groupCtx.Done():
		sugar.Warnw("a server goroutine exited", "error", groupCtx.Err())
	}

	cancel()
	_ = listener.Close()
	cleanup.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("metrics server shutdown error", "error", err)
	}
	if err := controlServer.Close(); err != nil {
		sugar.Warnw("control server shutdown error", "error", err)
	}

	if err := group.Wait(); err != nil {
		sugar.Warnw("server group exited with error", "error", err)
	}
	sugar.Info("shutdown complete")
}

// acceptLoop runs the main client-facing accept loop, handing each
// connection to a new Session registered with the cleanup sweep.
func acceptLoop(ctx context.Context, listener net.Listener, logger *zap.SugaredLogger, deps session.Deps, registry *stats.Registry) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		sess := session.New(conn, deps)
		registry.Register(sess)
		logger.Debugw("accepted connection", "session_id", sess.ID(), "remote_addr", conn.RemoteAddr().String())
		go sess.Start(ctx)
	}
}

// loadIngressTLSConfig builds the ingress listener's server-side TLS
// config from the configured certificate/key pair, or returns nil when
// TLS is disabled, in which case Session.Start's TLS upgrade is a
// no-op. Reading the certificate material off disk is the
// external-collaborator boundary spec.md §1/§6 names; everything past
// that load (the tls.Config, the per-connection handshake) is core.
func loadIngressTLSConfig(cfg config.ListenerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading listener TLS cert/key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// newLogger builds the process-wide zap logger, writing JSON lines
// into logDirectory/amqpprox.log alongside stderr.
func newLogger(logDirectory string) (*zap.Logger, error) {
	if err := os.MkdirAll(logDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", logDirectory, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr", logDirectory + "/amqpprox.log"}
	return cfg.Build()
}

// applyBootstrapConfig seeds the shared stores from the loaded
// configuration, mirroring what an operator would otherwise have to
// replay over the control channel on every restart.
func applyBootstrapConfig(
	cfg *config.Config,
	backends *backend.Store,
	farms *backend.FarmStore,
	vhosts *vhost.Map,
	limiters *limiter.Manager,
	authHolder *auth.Holder,
	dnsResolver *resolver.Resolver,
) {
	for _, b := range cfg.Backends {
		backends.Put(backend.Backend{
			Name:       b.Name,
			Datacenter: b.Datacenter,
			Host:       b.Host,
			IP:         b.IP,
			Port:       b.Port,
			SendProxy:  b.SendProxy,
			TLSEnabled: b.TLS,
			DNSBased:   b.DNS,
		})
	}

	for _, f := range cfg.Farms {
		farm := farms.GetOrCreate(f.Name)
		for _, memberName := range f.Backends {
			if be, ok := backends.Get(memberName); ok {
				farm.AddMember(be)
			}
		}
	}

	for _, m := range cfg.Maps {
		resource := vhost.Resource{Name: m.Target}
		if m.Kind == "farm" {
			resource.Kind = vhost.ResourceFarm
		} else {
			resource.Kind = vhost.ResourceBackend
		}
		vhosts.SetResource(m.Vhost, resource)
	}
	if cfg.Proxy.DefaultFarm != "" {
		vhosts.SetDefaultFarm(cfg.Proxy.DefaultFarm)
	}

	for _, l := range cfg.Limits {
		if l.Vhost == "" {
			if l.RateLimit > 0 {
				limiters.SetDefaultRateLimit(l.RateLimit, l.RateWindow)
			}
			if l.RateAlarmLimit > 0 {
				limiters.SetDefaultRateAlarmLimit(l.RateAlarmLimit, l.RateAlarmWindow)
			}
			if l.TotalLimit > 0 {
				limiters.SetDefaultTotalLimit(l.TotalLimit)
			}
			if l.TotalAlarmLimit > 0 {
				limiters.SetDefaultTotalAlarmLimit(l.TotalAlarmLimit)
			}
			continue
		}
		if l.RateLimit > 0 {
			limiters.SetVhostRateLimit(l.Vhost, l.RateLimit, l.RateWindow)
		}
		if l.RateAlarmLimit > 0 {
			limiters.SetVhostRateAlarmLimit(l.Vhost, l.RateAlarmLimit, l.RateAlarmWindow)
		}
		if l.TotalLimit > 0 {
			limiters.SetVhostTotalLimit(l.Vhost, l.TotalLimit)
		}
		if l.TotalAlarmLimit > 0 {
			limiters.SetVhostTotalAlarmLimit(l.Vhost, l.TotalAlarmLimit)
		}
	}

	switch cfg.Auth.Mode {
	case "service":
		authHolder.Set(auth.NewHTTPInterceptor(cfg.Auth.Host, cfg.Auth.Port, cfg.Auth.Target, dnsResolver))
	default:
		authHolder.Set(auth.AlwaysAllowInterceptor{})
	}
}
