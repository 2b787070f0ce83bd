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
	"github.com/darknode-net/darknode/internal/auth"
	"github.com/darknode-net/darknode/internal/metrics"
	"github.com/darknode-net/darknode/internal/mix"
	"github.com/darknode-net/darknode/internal/model/entry"

	_ "github.com/lib/pq"
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

	authorizer, err := buildAuthorizer(cfg)
	if err != nil {
		slog.Error("failed to init authorizer", "err", err)
		os.Exit(1)
	}

	slog.Info("⚡ init entry node")

	var node *entry.Entry
	for {
		if n, err2 := entry.NewEntry(config.GlobalCtx, cfg.Entry.Host, cfg.Entry.Port, cfg.Entry.PrometheusPort,
			cfg.Routing.Address, authorizer, cfg.CircuitTTL(),
			mix.Config{
				Epoch:     cfg.Epoch(),
				MinBatch:  cfg.Mixing.MinBatch,
				DummySize: cfg.Mixing.DummySize,
			},
			entry.Timeouts{
				Request: cfg.RequestTimeout(),
				Relay:   cfg.RelayTimeout(),
				Auth:    cfg.AuthTimeout(),
			},
			cfg.SweepInterval(), cfg.TombstoneTTL()); err2 != nil {
			slog.Error("failed to create entry node. Trying again in 5 seconds. ", "err", err2)
			time.Sleep(5 * time.Second)
			continue
		} else {
			node = n
			break
		}
	}

	http.HandleFunc("/rpc", node.HandleClientRequest)
	http.HandleFunc("/ws", node.HandleClientWS)
	http.HandleFunc("/status", node.HandleGetStatus)

	shutdownMetrics := metrics.ServeMetrics(cfg.Entry.PrometheusPort,
		metrics.PROCESSING_TIME, metrics.ENVELOPE_COUNT, metrics.ACTIVE_CIRCUITS,
		metrics.MIX_BATCH_SIZE, metrics.MIX_DUMMY_COUNT)

	go func() {
		if err2 := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Entry.Port), nil); err2 != nil {
			if errors.Is(err2, http.ErrServerClosed) {
				slog.Info("HTTP server closed")
			} else {
				slog.Error("failed to start HTTP server", "err", err2)
			}
		}
	}()

	slog.Info("🌏 start entry node...", "address", node.Address)

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

func buildAuthorizer(cfg *config.Config) (auth.Authorizer, error) {
	switch cfg.Auth.Mode {
	case "", "static":
		return auth.NewStatic(cfg.Auth.APIKeys), nil
	case "http":
		return auth.NewHTTP(cfg.Auth.URL, cfg.AuthTimeout()), nil
	case "postgres":
		return auth.NewPostgres(cfg.Auth.DSN, cfg.AuthTimeout())
	default:
		return nil, pl.NewError("unknown auth mode %q", cfg.Auth.Mode)
	}
}
