package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/raven-go"

	"udpot/internal/api"
	"udpot/internal/audit"
	"udpot/internal/dispatch"
	"udpot/internal/ledger"
	"udpot/internal/log"
	"udpot/internal/meta"
	"udpot/internal/metrics"
	"udpot/internal/network"
	"udpot/internal/protocol"
)

// shutdownTimeout bounds the graceful stop of the listeners and the admin API.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String(
		"config",
		os.Getenv("UDPOT_CONFIG"),
		"path to the configuration file on disk (YAML, or TOML with a .toml extension)",
	)
	version := flag.Bool(
		"version",
		false,
		"print the compiled udpot version SHA",
	)
	verbosity := flag.String(
		"verbosity",
		"",
		"desired logging verbosity: one of error, warn, info, debug (default info)",
	)
	port := flag.Int(
		"port",
		0,
		fmt.Sprintf("port on which the UDP and TCP listeners bind (default %d)", meta.DefaultPort),
	)
	reqCount := flag.Int(
		"req-count",
		0,
		fmt.Sprintf("number of queries forwarded per source within a window (default %d)", meta.DefaultRequestCount),
	)
	var reqTimeout time.Duration
	flag.Func(
		"req-timeout",
		fmt.Sprintf("inactivity window, in seconds or as a duration (default %d)", int(meta.DefaultRequestTimeout.Seconds())),
		func(value string) (err error) {
			reqTimeout, err = meta.ParseTimeout(value)
			return err
		},
	)
	dsn := flag.String(
		"sql",
		"",
		fmt.Sprintf("audit database connection string (default %s)", meta.DefaultDSN),
	)
	verbose := flag.Bool(
		"v",
		false,
		"print each request; shorthand for -verbosity debug",
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [upstream-server]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Report the compiled version and exit
	if *version {
		fmt.Printf("udpot/%s\n", meta.Version())
		return
	}

	// Parse application configuration, then apply command-line overrides
	config := meta.DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = meta.ReadConfig(*configPath); err != nil {
			fatal(err)
		}
	}

	overrides := meta.Overrides{
		Verbosity: *verbosity,
		Port:      *port,
		DSN:       *dsn,
		Upstream:  flag.Arg(0),
		Verbose:   *verbose,
	}

	// Admission parameters given explicitly are applied as is, so that a zero is rejected below
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "req-count":
			overrides.RequestCount = reqCount
		case "req-timeout":
			overrides.RequestTimeout = &reqTimeout
		}
	})

	config.Override(overrides)

	if err := config.Validate(); err != nil {
		fatal(err)
	}

	logger := log.NewConsoleLogger(config.Level())
	logger.Debug("main: initialized logger: level=%v", config.Level())

	// Configure error reporting
	if config.Application != nil && config.Application.SentryDSN != "" {
		if err := raven.SetDSN(config.Application.SentryDSN); err != nil {
			fatal(fmt.Errorf("main: invalid sentry DSN: err=%w", err))
		}

		raven.SetRelease(meta.Version())
	}

	hooks := newHooks(config, logger)

	// Configure the core: ledger, audit trail, and dispatch policy
	l, err := ledger.New(ledger.Opts{
		Count:   config.Honeypot.RequestCount,
		Timeout: config.Honeypot.RequestTimeout.Duration(),
	})
	if err != nil {
		fatal(err)
	}

	logger.Info(
		"main: admitting sources: req_count=%d req_timeout=%v",
		config.Honeypot.RequestCount,
		config.Honeypot.RequestTimeout,
	)

	store, err := audit.OpenSQLStore(config.Audit.DSN)
	if err != nil {
		fatal(err)
	}

	logger.Info("main: opened audit store: dsn=%s", config.Audit.DSN)

	sink := audit.NewSink(store, audit.SinkOpts{
		BufferSize:   config.Audit.BufferSize,
		WriteTimeout: config.Audit.WriteTimeout,
	}, logger, hooks.audit)

	policy := &dispatch.Policy{
		Ledger: l,
		Audit:  sink,
		Logger: logger,
		Hook:   hooks.admission,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := ledger.NewSweeper(l, config.Honeypot.SweepInterval, hooks.admission, logger)
	go sweeper.Run(ctx)

	// Configure upstreams
	client, upstreamName := newUpstream(config, hooks, logger)

	h := &protocol.HoneypotHandler{
		Policy:    policy,
		Upstream:  client,
		ProxyHook: hooks.proxy,
		Logger:    logger,
		Opts: protocol.HoneypotHandlerOpts{
			UpstreamName:    upstreamName,
			UpstreamTimeout: config.Upstream.Timeout,
		},
	}

	// Configure server listeners. Both are bound before either serves, so that a port conflict
	// is reported before any query is processed.
	var servers []interface {
		Shutdown(ctx context.Context) error
	}

	errs := make(chan error, 3)

	if config.Listener.UDP != nil {
		logger.Info("main: configuring UDP server listener: addr=%s", config.Listener.UDP.Address)

		udpServer := network.NewUDPServer(config.Listener.UDP.Address, network.UDPServerOpts{
			ReadTimeout:  config.Listener.UDP.ReadTimeout,
			WriteTimeout: config.Listener.UDP.WriteTimeout,
			UDPSize:      config.Listener.UDP.UDPSize,
		})

		if err := udpServer.Listen(); err != nil {
			fatal(err)
		}

		servers = append(servers, udpServer)

		go func() { errs <- udpServer.Serve(h) }()
	}

	if config.Listener.TCP != nil {
		logger.Info("main: configuring TCP server listener: addr=%s", config.Listener.TCP.Address)

		tcpServer := network.NewTCPServer(config.Listener.TCP.Address, hooks.clientLifecycle, network.TCPServerOpts{
			ReadTimeout:  config.Listener.TCP.ReadTimeout,
			WriteTimeout: config.Listener.TCP.WriteTimeout,
			IdleTimeout:  config.Listener.TCP.IdleTimeout,
		})

		if err := tcpServer.Listen(); err != nil {
			fatal(err)
		}

		servers = append(servers, tcpServer)

		go func() { errs <- tcpServer.Serve(h) }()
	}

	// Configure the admin API
	if config.API != nil && config.API.Address != "" {
		apiServer := api.NewServer(config.API.Address, api.Sources{
			Decisions: policy,
			Ledger:    l,
			Sink:      sink,
			Upstream:  client,
			Audit:     store,
		}, logger)

		servers = append(servers, apiServer)

		go func() { errs <- apiServer.ListenAndServe() }()
	}

	logger.Info("main: serving until interrupted: version=%s", meta.Version())

	select {
	case <-ctx.Done():
		logger.Info("main: received shutdown signal")
	case err := <-errs:
		if err != nil {
			logger.Error("main: server failed: err=%v", err)
			raven.CaptureError(err, map[string]string{"component": "main"})
		}
	}

	// Stop intake first, then drain the audit queue so that no observed query goes unrecorded
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("main: error stopping server: err=%v", err)
		}
	}

	stop()

	if err := sink.Close(); err != nil {
		logger.Warn("main: error closing audit sink: err=%v", err)
	}

	stats := sink.Stats()
	logger.Info("main: audit sink drained: written=%d failed=%d", stats.Written, stats.Failed)

	if err := store.Close(); err != nil {
		logger.Warn("main: error closing audit store: err=%v", err)
	}

	if err := client.Close(); err != nil {
		logger.Warn("main: error closing upstream clients: err=%v", err)
	}

	raven.Wait()
}

// hookSet holds the metrics hooks shared by the application's components.
type hookSet struct {
	admission         metrics.AdmissionHook
	audit             metrics.AuditHook
	proxy             metrics.ProxyHook
	clientLifecycle   metrics.ConnectionLifecycleHook
	upstreamLifecycle metrics.ConnectionLifecycleHook
	upstreamIO        metrics.ConnectionIOHook
}

// newHooks configures statsd metrics reporting if requested, and noop hooks otherwise.
func newHooks(config *meta.Config, logger log.Logger) hookSet {
	h := hookSet{
		admission:         metrics.NewNoopAdmissionHook(),
		audit:             metrics.NewNoopAuditHook(),
		proxy:             metrics.NewNoopProxyHook(),
		clientLifecycle:   metrics.NewNoopConnectionLifecycleHook(),
		upstreamLifecycle: metrics.NewNoopConnectionLifecycleHook(),
		upstreamIO:        metrics.NewNoopConnectionIOHook(),
	}

	if config.Metrics == nil || config.Metrics.Statsd == nil {
		logger.Warn("main: no metrics output engine specified; disabling metrics")
		return h
	}

	addr := config.Metrics.Statsd.Address
	rate := float32(config.Metrics.Statsd.SampleRate)

	logger.Info("main: configuring statsd metrics reporting: addr=%s sample_rate=%f", addr, rate)

	var err error

	if h.admission, err = metrics.NewAsyncStatsdAdmissionHook(addr, rate); err != nil {
		fatal(err)
	}

	if h.audit, err = metrics.NewAsyncStatsdAuditHook(addr, rate); err != nil {
		fatal(err)
	}

	if h.proxy, err = metrics.NewAsyncStatsdProxyHook(addr, rate); err != nil {
		fatal(err)
	}

	if h.clientLifecycle, err = metrics.NewAsyncStatsdConnectionLifecycleHook("client", addr, rate); err != nil {
		fatal(err)
	}

	if h.upstreamLifecycle, err = metrics.NewAsyncStatsdConnectionLifecycleHook("upstream", addr, rate); err != nil {
		fatal(err)
	}

	if h.upstreamIO, err = metrics.NewAsyncStatsdConnectionIOHook("upstream", addr, rate); err != nil {
		fatal(err)
	}

	return h
}

// newUpstream creates one client per configured upstream server, sharded under the configured
// load balancing policy. It also returns a name identifying the upstreams in metrics.
func newUpstream(config *meta.Config, h hookSet, logger log.Logger) (network.Client, string) {
	var clients []network.Client
	var names []string

	for _, server := range config.Upstream.Servers {
		names = append(names, server.Address)

		switch server.Transport {
		case "tcp", "tcp-tls":
			opts := network.StreamClientOpts{
				TLS:            server.Transport == "tcp-tls",
				ServerName:     server.ServerName,
				ConnectTimeout: server.ConnectTimeout,
				ReadTimeout:    server.ReadTimeout,
				WriteTimeout:   server.WriteTimeout,
				MaxRetries:     config.Upstream.MaxConnectionRetries,
				PoolOpts: network.PersistentConnPoolOpts{
					Capacity:     server.ConnectionPoolSize,
					StaleTimeout: server.StaleTimeout,
					Prefill:      true,
				},
			}

			logger.Info(
				"main: starting stream client for upstream server: addr=%s transport=%s conns=%d",
				server.Address,
				server.Transport,
				opts.PoolOpts.Capacity,
			)

			client, err := network.NewStreamClient(server.Address, h.upstreamLifecycle, h.upstreamIO, opts)
			if err != nil {
				fatal(err)
			}

			clients = append(clients, client)
		default:
			timeout := server.ReadTimeout
			if timeout <= 0 {
				timeout = config.Upstream.Timeout
			}

			logger.Info("main: starting UDP client for upstream server: addr=%s", server.Address)

			clients = append(clients, network.NewUDPClient(server.Address, network.UDPClientOpts{Timeout: timeout}))
		}
	}

	lbPolicy, ok := network.ParseLoadBalancingPolicy(config.Upstream.LoadBalancingPolicy)
	if !ok && config.Upstream.LoadBalancingPolicy != "" {
		logger.Warn(
			"main: unknown load balancing policy; use default: supplied=%s default=%s",
			config.Upstream.LoadBalancingPolicy,
			lbPolicy,
		)
	}

	logger.Debug("main: using load balancing policy for query sharding: policy=%s", lbPolicy)

	client, err := network.NewShardedClient(clients, lbPolicy)
	if err != nil {
		fatal(err)
	}

	return client, strings.Join(names, ",")
}

// fatal reports a startup failure to the operator and exits.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "udpot: %v\n", err)
	os.Exit(1)
}
