// Command paygated runs the BaseHealth payment gateway: it quotes payment
// requirements for priced resources, verifies proofs across the configured
// networks, records settlements, and answers access checks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/basehealth/paygate"
	"github.com/basehealth/paygate/checkout"
	"github.com/basehealth/paygate/config"
	"github.com/basehealth/paygate/gate"
	"github.com/basehealth/paygate/ledger"
	"github.com/basehealth/paygate/logger"
	"github.com/basehealth/paygate/mechanisms/card"
	"github.com/basehealth/paygate/mechanisms/evm"
	"github.com/basehealth/paygate/mechanisms/svm"
	"github.com/basehealth/paygate/metrics"
	"github.com/basehealth/paygate/server"
)

func main() {
	configPath := flag.String("config", "paygate.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	registry, err := paygate.NewRegistry(cfg.Tiers())
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewPrometheusRecorder(promReg)

	store, err := ledger.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	facilitator, err := buildFacilitator(cfg, log)
	if err != nil {
		return err
	}

	machine := checkout.NewMachine(registry, facilitator, store, log,
		checkout.WithMaxRetries(cfg.MaxRetries),
		checkout.WithMetrics(recorder))
	accessGate := gate.New(store, registry)
	webhooks := ledger.NewWebhookConsumer(store, log)

	srv := server.New(registry, facilitator, machine, accessGate, webhooks, log,
		server.WithWebhookSecret(cfg.Processor.WebhookSecret),
		server.WithGatherer(promReg))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildFacilitator registers one verifier per configured network. The
// verifier set is exactly the config: no defaults, no fallbacks.
func buildFacilitator(cfg *config.Config, log *zap.Logger) (*paygate.Facilitator, error) {
	facilitator := paygate.NewFacilitator()

	for name, net := range cfg.EVM {
		client, err := evm.Dial(net.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s rpc: %w", name, err)
		}
		opts := []evm.Option{}
		if net.MinConfirmations > 0 {
			opts = append(opts, evm.WithMinConfirmations(net.MinConfirmations))
		}
		facilitator.Register(evm.NewVerifier(client, paygate.Network(name), big.NewInt(net.ChainID), opts...))
		log.Info("registered evm verifier", zap.String("network", name))
	}

	for name, net := range cfg.Solana {
		opts := []svm.Option{}
		if net.Commitment != "" {
			opts = append(opts, svm.WithCommitment(rpc.ConfirmationStatusType(net.Commitment)))
		}
		facilitator.Register(svm.NewVerifier(svm.NewRPC(net.RPCURL), paygate.Network(name), opts...))
		log.Info("registered solana verifier", zap.String("network", name))
	}

	if cfg.Processor.BaseURL != "" && cfg.Processor.SecretKey != "" {
		client := card.NewHTTPProcessorClient(cfg.Processor.BaseURL, cfg.Processor.SecretKey, 15*time.Second)
		facilitator.Register(card.NewVerifier(client))
		log.Info("registered card verifier")
	}

	return facilitator, nil
}
