// Command server runs the agent coordination server: the session HTTP
// API and observer websocket on one port, the MCP tool endpoint agents
// connect to on another, and the peer endpoint for remote launches.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/adapter/gateway"
	"github.com/re-minder/PRSummarizer.ai/internal/adapter/mcptools"
	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/config"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/logger"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/tracer"
	"github.com/re-minder/PRSummarizer.ai/internal/registry"
	"github.com/re-minder/PRSummarizer.ai/internal/runtime"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/eventbus"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/remote"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/session"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	// A failed registry source must not keep the server down: fall back to
	// an empty registry so existing peers and observers still work.
	reg, err := registry.Resolve(ctx, cfg.Registry.Sources, log)
	if err != nil {
		log.Warn("registry resolution failed, starting with empty registry", "error", err)
		reg, err = registry.Resolve(ctx, nil, log)
		if err != nil {
			return err
		}
	}
	log.Info("registry resolved", "agents", reg.Len())

	serverBus := eventbus.New(log)
	defer serverBus.Close()

	peers := remote.NewManager(serverBus, log)
	defer peers.Close()
	for _, pc := range cfg.Peers {
		peers.AddPeer(remote.PeerInfo{Name: pc.Name, URL: pc.URL})
	}
	if cfg.Discovery.MDNS {
		go peers.RunDiscovery(ctx, newDiscoverer(log), cfg.Discovery.ScanInterval)
	}

	runtimes := runtime.NewSet(map[domain.RuntimeKind]domain.Runtime{
		domain.RuntimeLocal:    runtime.NewLocal(log),
		domain.RuntimeDocker:   runtime.NewDocker(log),
		domain.RuntimeFunction: runtime.NewFunctions(log),
		domain.RuntimeRemote:   runtime.NewRemote(peers, log),
	})

	sessions := session.NewManager(reg, runtimes, session.ManagerConfig{
		BaseURL:    cfg.Server.BaseURL,
		DrainGrace: cfg.Session.DrainGrace,
	}, log)

	janitor, err := session.NewJanitor(sessions, cfg.Session.JanitorSchedule, cfg.Session.IdleTTL, log)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	auth := gateway.NewAuthenticator(cfg.Applications)
	gw := gateway.NewServer(sessions, auth, reg, runtimes, peers, cfg.Server.Addr, log)
	tools := mcptools.New(sessions, cfg.RateLimit, log)

	errCh := make(chan error, 2)
	go func() { errCh <- gw.Start(ctx) }()
	go func() { errCh <- tools.Start(cfg.Server.MCPAddr) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := tools.Shutdown(shutdownCtx); err != nil {
		log.Warn("mcp endpoint shutdown", "error", err)
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Warn("gateway shutdown", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Warn("session drain incomplete", "error", err)
	}
	log.Info("server stopped")
	return nil
}
