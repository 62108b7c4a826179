package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/indexly/erc20-ingester/client/jsonrpc"
	"github.com/indexly/erc20-ingester/config"
	"github.com/indexly/erc20-ingester/ingester"
	"github.com/indexly/erc20-ingester/locator"
	"github.com/indexly/erc20-ingester/models"
	"github.com/indexly/erc20-ingester/storage"
)

func init() {
	// always use UTC
	time.Local = time.UTC
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Parse()
	if err != nil {
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(logger, cfg.DBName)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	gateway := jsonrpc.NewGateway(logger, jsonrpc.Config{
		URL:               cfg.RPC.URL,
		MaxConcurrent:     cfg.RPC.MaxConcurrent,
		MaxRetries:        cfg.RPC.MaxRetries,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
	})
	gateway.Start(ctx)

	// validate the node is up and reachable before spinning anything else
	chainID, err := gateway.ChainID(ctx)
	if err != nil {
		logger.Error("Failed to connect to jsonrpc node", "error", err)
		os.Exit(1)
	}
	logger.Info("Connected to jsonrpc node", "url", cfg.RPC.URL, "chainId", chainID)

	ing := ingester.New(logger, gateway, store, locator.New(logger, gateway), ingester.Config{
		ContractAddress:        cfg.ContractAddress,
		StartBlock:             cfg.StartBlock,
		PollInterval:           cfg.PollInterval,
		ReportProgressInterval: cfg.ReportProgressInterval,
		HeaderFetchWorkers:     cfg.RPC.MaxConcurrent,
	})
	ingester.RegisterMetrics(ing)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return ing.RunBackfill(ctx, cfg.InitialBatchSize)
	})
	group.Go(func() error {
		return ing.Tail(ctx, func(event models.TransferEvent) error {
			logger.Debug("Live transfer",
				"txHash", event.TxHash,
				"logIndex", event.LogIndex,
				"from", event.From,
				"to", event.To,
				"value", event.Value,
			)
			return nil
		})
	})
	group.Go(func() error {
		return ing.ReportProgress(ctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		group.Go(func() error {
			return server.ListenAndServe()
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	quit := make(chan os.Signal, 1)
	// handle Interrupt (ctrl-c) Term, used by `kill` et al, HUP which is commonly used to reload configs
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case s := <-quit:
		logger.Warn("Caught UNIX signal", "signal", s)
		cancel()
	case <-ctx.Done():
	}

	if err := group.Wait(); err != nil && !isShutdownErr(err) {
		logger.Error("Ingester stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func isShutdownErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed)
}
