package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zde37/kadvault/internal/api"
	"github.com/zde37/kadvault/internal/config"
	"github.com/zde37/kadvault/internal/node"
	"github.com/zde37/kadvault/pkg"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	name := flag.String("name", "", "Node name the ID is derived from (default: persisted identity)")
	host := flag.String("host", "127.0.0.1", "Host address to bind to")
	port := flag.Int("port", 8440, "Port for node gRPC server")
	httpPort := flag.Int("http-port", 8080, "Port for HTTP API server")
	gossipPort := flag.Int("gossip-port", 7946, "Port for membership gossip")
	dataDir := flag.String("data-dir", "data", "Directory for records, pricing samples and identity")
	seeds := flag.String("seeds", "", "Comma separated gossip addresses (host:port) of nodes to join")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "Log format (json, console)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment: %v\n", err)
		os.Exit(1)
	}

	// Flags given explicitly win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Node.Name = *name
		case "host":
			cfg.Node.Host = *host
		case "port":
			cfg.Node.Port = *port
		case "http-port":
			cfg.Node.HTTPPort = *httpPort
		case "gossip-port":
			cfg.Gossip.BindPort = *gossipPort
		case "data-dir":
			cfg.Storage.DataDir = *dataDir
		case "seeds":
			cfg.Gossip.Seeds = splitSeeds(*seeds)
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := pkg.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info().
		Str("host", cfg.Node.Host).
		Int("port", cfg.Node.Port).
		Int("http_port", cfg.Node.HTTPPort).
		Str("data_dir", cfg.Storage.DataDir).
		Msg("Starting kadvault node")

	// The hub is both the node's event sink and the /ws endpoint
	hub := api.NewWebSocketHub(logger)

	n, err := node.New(cfg, logger, node.WithBroadcaster(hub))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create storage node")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start storage node")
		cleanup(n, nil, logger)
		os.Exit(1)
	}

	httpServer, err := api.NewServer(api.DefaultConfig(cfg.HTTPAddr()), n, n.Metrics(), hub, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create HTTP API server")
		cleanup(n, nil, logger)
		os.Exit(1)
	}

	if err := httpServer.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start HTTP API server")
		cleanup(n, nil, logger)
		os.Exit(1)
	}

	self := n.Self()
	logger.Info().
		Str("node_id", self.ID.String()).
		Str("grpc_addr", self.Addr).
		Str("gossip_addr", n.GossipAddr()).
		Str("http_addr", httpServer.Addr()).
		Msg("kadvault node is ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	cancel()
	cleanup(n, httpServer, logger)

	logger.Info().Msg("kadvault node shutdown complete")
}

// cleanup performs graceful shutdown of all components
func cleanup(n *node.Node, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	// Stop HTTP server first so no new uploads arrive
	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if err := n.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping storage node")
	}
}

func splitSeeds(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
