package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pl "github.com/HannahMarsh/PrettyLogger"
	"go.uber.org/automaxprocs/maxprocs"
	"log/slog"

	"github.com/darknode-net/darknode/config"
	"github.com/darknode-net/darknode/internal/metrics"
	"github.com/darknode-net/darknode/internal/mix"
	"github.com/darknode-net/darknode/internal/model/routing"
)

func main() {
	logLevel := flag.String("log-level", "debug", "Log level")

	flag.Usage = func() {
		if _, err := fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0]); err != nil {
			slog.Error("Usage of %s:\n", "err", err, "arg", os.Args[0])
		}
		flag.PrintDefaults()
	}
	flag.Parse()

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

	slog.Info("⚡ init routing node")

	var node *routing.Routing
	for {
		if n, err := routing.NewRouting(config.GlobalCtx, cfg.Routing.Host, cfg.Routing.Port, cfg.Routing.PrometheusPort,
			cfg.ExitAddresses(),
			mix.Config{
				Epoch:     cfg.Epoch(),
				MinBatch:  cfg.Mixing.MinBatch,
				DummySize: cfg.Mixing.DummySize,
			},
			cfg.RelayTimeout(), cfg.RelayTimeout(),
			cfg.SweepInterval(), cfg.TombstoneTTL()); err != nil {
			slog.Error("failed to create routing node. Trying again in 5 seconds. ", "err", err)
			time.Sleep(5 * time.Second)
			continue
		} else {
			node = n
			break
		}
	}

	http.HandleFunc("/relay", node.HandleReceiveEnvelope)
	http.HandleFunc("/circuit", node.HandleExtendCircuit)
	http.HandleFunc("/circuit/close", node.HandleCloseCircuit)

	shutdownMetrics := metrics.ServeMetrics(cfg.Routing.PrometheusPort,
		metrics.PROCESSING_TIME, metrics.ENVELOPE_COUNT, metrics.REJECTED_COUNT,
		metrics.MIX_BATCH_SIZE, metrics.MIX_DUMMY_COUNT)

	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Routing.Port), nil); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				slog.Info("HTTP server closed")
			} else {
				slog.Error("failed to start HTTP server", "err", err)
			}
		}
	}()

	slog.Info("🌏 start routing node...", "address", node.Address)

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
