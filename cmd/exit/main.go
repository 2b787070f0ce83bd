package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	pl "github.com/HannahMarsh/PrettyLogger"
	"go.uber.org/automaxprocs/maxprocs"
	"log/slog"

	"github.com/darknode-net/darknode/config"
	"github.com/darknode-net/darknode/internal/metrics"
	"github.com/darknode-net/darknode/internal/model/exit"
	"github.com/darknode-net/darknode/pkg/utils"
)

func main() {
	id := flag.Int("id", -1, "ID of the exit node (required)")
	logLevel := flag.String("log-level", "debug", "Log level")

	flag.Usage = func() {
		if _, err := fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0]); err != nil {
			slog.Error("Usage of %s:\n", "err", err, "arg", os.Args[0])
		}
		flag.PrintDefaults()
	}
	flag.Parse()

	if *id == -1 {
		_, _ = fmt.Fprintf(os.Stderr, "Error: the -id flag is required\n")
		flag.Usage()
		os.Exit(2)
	}

	pl.SetUpLogrusAndSlog(*logLevel)

	// set GOMAXPROCS
	if _, err := maxprocs.Set(); err != nil {
		slog.Error("failed set max procs", "err", err)
		os.Exit(1)
	}

	if err, _ := config.InitGlobal(); err != nil {
		slog.Error("failed to init config", "err", err)
		os.Exit(1)
	}

	cfg := config.GlobalConfig

	var exitConfig *config.Exit
	for _, e := range cfg.Exits {
		if e.ID == *id {
			exitConfig = &e
			break
		}
	}
	if exitConfig == nil {
		slog.Error("invalid id", "err", fmt.Errorf("failed to get exit config for id=%d", *id))
		os.Exit(1)
	}

	slog.Info("⚡ init exit node", "id", *id)

	endpoints := utils.Map(cfg.Upstreams, func(u config.Upstream) *exit.Endpoint {
		return &exit.Endpoint{URL: u.URL, Weight: u.Weight}
	})

	node := exit.NewExit(config.GlobalCtx, exitConfig.ID, exitConfig.Host, exitConfig.Port, exitConfig.PrometheusPort,
		endpoints,
		exit.Policy{
			UpstreamTimeout: cfg.UpstreamTimeout(),
			RetryBudget:     cfg.ExitPolicy.RetryBudget,
			Cooldown:        cfg.Cooldown(),
		},
		cfg.SweepInterval(), cfg.TombstoneTTL())

	http.HandleFunc("/relay", node.HandleReceiveEnvelope)
	http.HandleFunc("/circuit", node.HandleCreateCircuit)
	http.HandleFunc("/circuit/close", node.HandleCloseCircuit)
	http.HandleFunc("/health", node.HandleGetHealth)

	shutdownMetrics := metrics.ServeMetrics(exitConfig.PrometheusPort,
		metrics.PROCESSING_TIME, metrics.ENVELOPE_COUNT, metrics.REJECTED_COUNT,
		metrics.UPSTREAM_LATENCY, metrics.UPSTREAM_RETRIES)

	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", exitConfig.Port), nil); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				slog.Info("HTTP server closed")
			} else {
				slog.Error("failed to start HTTP server", "err", err)
			}
		}
	}()

	slog.Info("🌏 start exit node...", "address", node.Address)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case v := <-quit:
		config.GlobalCancel()
		shutdownMetrics()
		slog.Info("", "signal.Notify", v)
	case done := <-config.GlobalCtx.Done():
		slog.Info("", "ctx.Done", done)
	}
}
