package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/auth"
	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/state"
	"github.com/dd0wney/cluso-ha/pkg/transport"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

const tokenTTL = 30 * time.Second

func main() {
	configPath := flag.String("config", "cluso.yaml", "Configuration file")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	httpAddr := flag.String("http", "", "Status HTTP address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config and LOG_LEVEL)")
	flag.Parse()

	explicit := false
	flag.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "config" })

	fc, err := loadConfig(*configPath, explicit)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dataDir != "" {
		fc.DataDir = *dataDir
	}
	if *httpAddr != "" {
		fc.HTTPAddr = *httpAddr
	}
	if *logLevel != "" {
		fc.LogLevel = *logLevel
	}
	if err := fc.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(validation.DefaultOr(fc.LogLevel, os.Getenv("LOG_LEVEL"))))
	logging.SetDefaultLogger(logger)

	if err := run(fc, logger); err != nil {
		log.Fatalf("cluso-node: %v", err)
	}
}

func run(fc FileConfig, logger logging.Logger) error {
	started := time.Now()
	reg := metrics.DefaultRegistry()
	cfg := fc.clusterConfig()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	replCfg := fc.replicationConfig()

	for _, dir := range []string{fc.DataDir, replCfg.Root} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := state.Open(cfg.StateBackend, fc.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	defer store.Close()

	files, err := filelog.Open(fc.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open file log: %w", err)
	}
	defer files.Close()

	var tokens *auth.PeerTokens
	if cfg.ClusterSecret != "" {
		if tokens, err = auth.NewPeerTokens(cfg.ClusterSecret, tokenTTL); err != nil {
			return err
		}
	}

	tr, err := transport.New(fc.Transport, transport.Options{
		CallTimeout: cfg.RPCTimeout,
		Logger:      logger.With(logging.Component("transport")),
		Metrics:     reg,
		ErrorCode:   cluster.CodeFor,
	})
	if err != nil {
		return err
	}
	defer tr.Close()
	caller := transport.NewSignedCaller(tr, tokens)

	node, err := cluster.NewNode(cfg, cluster.Options{
		Caller:      caller,
		Store:       store,
		Files:       files,
		Replication: replCfg,
		Logger:      logger,
		Metrics:     reg,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, err := audit.Open(filepath.Join(fc.DataDir, "journal"), node.SelfID())
	if err != nil {
		return err
	}
	defer journal.Close()
	go cluster.RecordEvents(ctx, node.Events(), journal, logger)

	appDone := make(chan struct{})
	if fc.Application.Command != "" {
		app := newCommandApp(fc.Application, cfg.AppPort, replCfg.Root, logger)
		go func() {
			defer close(appDone)
			cluster.RunApplication(ctx, node, app, logger)
		}()
	} else {
		close(appDone)
	}

	listen := cluster.ControlAddr(fc.Node.Listen, cfg.ControlPort)
	if err := tr.Listen(listen, transport.RequireToken(node.Handler(), tokens)); err != nil {
		stop()
		<-appDone
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	logger.Info("node started",
		logging.NodeID(node.SelfID()),
		logging.Peer(cfg.ControlAddr()),
		logging.String("transport", fc.Transport),
		logging.Bool("in_cluster", node.InCluster()))

	if node.InCluster() {
		go func() {
			if err := cluster.NewRecoveryCoordinator(node).Run(ctx); err != nil {
				logger.Error("boot recovery failed", logging.Error(err))
			}
		}()
	}

	sampler := clock.Every(clock.New(), 15*time.Second, func() { reg.UpdateSystemMetrics(started) })
	defer sampler.Cancel()

	hc := health.NewHealthChecker()
	registerChecks(hc, node, caller, cfg.HeartbeatTimeout)
	srv := newStatusServer(fc.HTTPAddr, node, hc, reg)
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("status server listening", logging.String("addr", fc.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-srvErr:
		stop()
		<-appDone
		return fmt.Errorf("status server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	<-appDone
	return nil
}
