// Command gateway runs the market data fan-out gateway: it connects the
// configured feed adapters, starts the Distributor, and serves the
// REST + WebSocket control plane. Structured after the teacher's
// cmd/cryptorun/main.go cobra wiring (zerolog console writer setup,
// version/serve subcommands), pared to this gateway's surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mdgateway/internal/cache"
	"mdgateway/internal/config"
	"mdgateway/internal/connector"
	"mdgateway/internal/control"
	"mdgateway/internal/feed"
	"mdgateway/internal/feed/simulated"
	"mdgateway/internal/metrics"
	"mdgateway/internal/registry"
	"mdgateway/internal/snapshot"
)

const (
	appName = "mdgateway"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market data fan-out gateway",
		Version: version,
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to gateway config YAML (defaults if empty)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	reg := metrics.New()

	// The Distributor needs the Connector as its UpstreamNotifier, and the
	// Connector needs the Distributor's Ingest as its snapshot sink — a
	// forwarder breaks the construction cycle without a nil pointer window.
	var fwd ingestForwarder

	connCfg := connector.Config{
		BackoffInitial: time.Duration(cfg.UpdatePolicy.BackoffInitialMS) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.UpdatePolicy.BackoffMaxMS) * time.Millisecond,
		CommandRPS:     cfg.UpdatePolicy.CommandRPS,
		CommandBurst:   cfg.UpdatePolicy.CommandBurst,
	}
	c := connector.New(connCfg, fwd.Ingest, reg)
	registerAdapters(c, cfg.Adapters)

	dist := registry.New(registry.Config{
		Shards:        cfg.Distributor.Shards,
		InboxCapacity: cfg.Distributor.InboxCapacity,
	}, c, reg)
	defer dist.Close()
	fwd.dist = dist

	cacheStore := cache.NewAuto(cfg.Redis.Addr, cfg.Redis.DB)
	applied := c.LoadDefaultInstruments(cacheStore, cfg.DefaultInstruments)
	log.Info().Strs("instruments", applied).Msg("applied process-level default instrument set")

	srv := control.New(cfg.REST, cfg.WebSocket, dist, c, reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.Run(gctx)
	})
	group.Go(func() error {
		err := srv.Start()
		if err != nil && gctx.Err() != nil {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Str("listen", cfg.REST.ListenAddr).Str("ws_path", cfg.WebSocket.Path).Msg("gateway started")
	return group.Wait()
}

// ingestForwarder breaks the Connector<->Distributor construction cycle:
// the Connector is built first against fwd.Ingest, then fwd.dist is set
// once the Distributor (which needs the Connector as its notifier) exists.
type ingestForwarder struct {
	dist *registry.Distributor
}

func (f *ingestForwarder) Ingest(snap snapshot.Snapshot) {
	if f.dist != nil {
		f.dist.Ingest(snap)
	}
}

func loadConfig(path string) (*config.GatewayConfig, error) {
	if path == "" {
		cfg := config.DefaultGatewayConfig()
		return &cfg, nil
	}
	return config.LoadGatewayConfig(path)
}

func registerAdapters(c *connector.Connector, adapters []config.AdapterConfig) {
	var routes []feed.RoutePrefix
	for _, a := range adapters {
		var adapter feed.Adapter
		switch a.Kind {
		case "simulated", "":
			adapter = simulated.NewAdapter(a.Name, time.Second)
		default:
			log.Warn().Str("adapter", a.Name).Str("kind", a.Kind).Msg("unknown adapter kind, falling back to simulated")
			adapter = simulated.NewAdapter(a.Name, time.Second)
		}
		c.RegisterAdapter(adapter)
		for _, prefix := range a.Prefixes {
			routes = append(routes, feed.RoutePrefix{Prefix: prefix, Source: a.Name})
		}
	}
	c.SetRoutes(routes)
}
