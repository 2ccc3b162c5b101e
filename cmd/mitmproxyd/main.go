// mitmproxyd wires together the CA store, leaf minter, traffic store, and
// listener into a running interception proxy. Configuration is a single
// JSON file, in the same style boulder's cmd/ binaries read their own
// bespoke config structs rather than reaching for a flags-heavy CLI
// framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/ca"
	"github.com/kestrelproxy/mitm/config"
	"github.com/kestrelproxy/mitm/connection"
	"github.com/kestrelproxy/mitm/listener"
	"github.com/kestrelproxy/mitm/secretstore"
	"github.com/kestrelproxy/mitm/tlsengine"
	"github.com/kestrelproxy/mitm/trafficstore"
	"github.com/kestrelproxy/mitm/web"
)

const productName = "Kestrel"

var (
	configFile = flag.String("config", "", "Path to the proxy's JSON configuration file.")
	secretsDir = flag.String("secrets-dir", "./secrets", "Directory used as the file-backed SecretStore.")
	trafficDB  = flag.String("traffic-db", "./traffic.db", "Path to the SQLite traffic record store.")
	adminAddr  = flag.String("admin-addr", ":9090", "Address for the /metrics and /ca.pem admin endpoints.")
)

func main() {
	flag.Parse()
	log := blog.StdoutLogger()

	if err := run(log); err != nil {
		log.AuditErrf("fatal: %s", err)
		os.Exit(1)
	}
}

func run(log blog.Logger) error {
	if *configFile == "" {
		return fmt.Errorf("-config is required")
	}
	f, err := os.Open(*configFile)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	cfg, err := config.Load(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	secrets, err := secretstore.NewFile(*secretsDir)
	if err != nil {
		return fmt.Errorf("opening secret store: %w", err)
	}

	registry := prometheus.NewRegistry()
	caMetrics := ca.NewCAMetrics(registry)
	connMetrics := connection.NewMetrics(registry)
	clk := clock.New()

	caStore, err := ca.NewStore(secrets, productName, clk, log, caMetrics)
	if err != nil {
		return fmt.Errorf("initializing CA store: %w", err)
	}
	if cfg.InterceptEnabled() {
		if _, err := caStore.Current(); err != nil {
			log.Infof("no CA loaded yet, generating a new one")
			if _, err := caStore.Generate(); err != nil {
				return fmt.Errorf("generating CA: %w", err)
			}
		}
	}
	minter := ca.NewLeafMinter(caStore, cfg.CacheTTL(), log, caMetrics)

	store, err := trafficstore.Open(*trafficDB, cfg.MaxRecords, log)
	if err != nil {
		return fmt.Errorf("opening traffic store: %w", err)
	}
	defer store.Close()

	handler := &connection.Handler{
		Config:  cfg,
		CAStore: caStore,
		Minter:  minter,
		TLS:     tlsengine.New(),
		Store:   store,
		Log:     log,
		Clk:     clk,
		Metrics: connMetrics,
	}

	lst, err := listener.Listen(cfg.ListenPort, handler, log)
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	log.Infof("listening on %s", lst.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveAdmin(*adminAddr, registry, caStore, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("shutting down")
		cancel()
	}()

	return lst.Serve(ctx)
}

// serveAdmin exposes Prometheus metrics and the CA certificate for
// trust-store installation; it is a convenience surface, not part of the
// proxy's client-facing protocol.
func serveAdmin(addr string, registry *prometheus.Registry, caStore *ca.Store, log blog.Logger) {
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	mux := http.NewServeMux()
	mux.Handle("/metrics", web.NewTopHandler(log, web.AdminHandlerFunc(
		func(ctx context.Context, e *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
			e.Endpoint = "/metrics"
			metricsHandler.ServeHTTP(w, r)
		})))
	mux.Handle("/ca.pem", web.NewTopHandler(log, web.AdminHandlerFunc(
		func(ctx context.Context, e *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
			e.Endpoint = "/ca.pem"
			current, err := caStore.Current()
			if err != nil {
				e.AddError("no CA loaded: %s", err)
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			e.Extra["key_type"] = web.KeyTypeToString(current.Cert.PublicKey)
			w.Header().Set("Content-Type", "application/x-pem-file")
			_, _ = w.Write([]byte(current.PEM()))
		})))
	mux.Handle("/ca.der", web.NewTopHandler(log, web.AdminHandlerFunc(
		func(ctx context.Context, e *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
			e.Endpoint = "/ca.der"
			current, err := caStore.Current()
			if err != nil {
				e.AddError("no CA loaded: %s", err)
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/pkix-cert")
			_, _ = w.Write(current.DER)
		})))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warningf("admin server exited: %s", err)
	}
}
