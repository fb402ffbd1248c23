package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	x402 "github.com/becomeliminal/x402-arcade"
	"github.com/becomeliminal/x402-arcade/evm"
	x402grpc "github.com/becomeliminal/x402-arcade/grpc"
	"github.com/becomeliminal/x402-arcade/internal/config"
	"github.com/becomeliminal/x402-arcade/internal/logging"
	"github.com/becomeliminal/x402-arcade/internal/server"
	"github.com/becomeliminal/x402-arcade/ledger"
	"github.com/becomeliminal/x402-arcade/settlement"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store, err := ledger.OpenGorm(cfg.Ledger.Driver, cfg.Ledger.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	network, _ := evm.LookupNetwork(cfg.Token.Network)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engineOpts := []settlement.Option{
		settlement.WithLogger(log.With().Str("component", "settlement").Logger()),
		settlement.WithMetrics(settlement.NewMetrics(reg)),
		settlement.WithToken(network.Token()),
	}
	if cfg.Verifier.SignerVerification {
		engineOpts = append(engineOpts, settlement.WithSignerVerification())
	}
	engine := settlement.NewEngine(store, engineOpts...)

	var (
		verifier    x402.ChainVerifier
		facilitator *evm.FacilitatorClient
	)
	switch cfg.Verifier.Mode {
	case config.VerifierFacilitator:
		v, err := evm.NewEVMVerifier(cfg.Verifier.FacilitatorURL,
			evm.WithFacilitatorLogger(log.With().Str("component", "facilitator").Logger()))
		if err != nil {
			return err
		}
		verifier, facilitator = v, v.Facilitator()
	default:
		verifier = evm.NewLocalVerifier(engine, network)
	}

	gateLog := log.With().Str("component", "x402").Logger()
	gate, err := x402.NewGate(x402.Config{
		Verifier:         verifier,
		EndpointPricing:  server.EndpointPricing(cfg, network),
		ValidityDuration: cfg.Settlement.Validity,
		SkipPaths:        []string{"/health", "/metrics"},
		PayerRateLimit:   rate.Limit(cfg.RateLimit.PerMinute / 60),
		PayerBurst:       cfg.RateLimit.Burst,
		Logger:           &gateLog,
	})
	if err != nil {
		return fmt.Errorf("x402 gate: %w", err)
	}

	srv, err := server.New(server.Options{
		Config:      cfg,
		Engine:      engine,
		Gate:        gate,
		Network:     network,
		Facilitator: facilitator,
		Gatherer:    reg,
		Logger:      log.With().Str("component", "http").Logger(),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(x402grpc.UnaryGateInterceptor(gate)),
		grpc.ChainStreamInterceptor(x402grpc.StreamGateInterceptor(gate)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Str("network", network.Name).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		runPruner(gctx, engine, cfg.Settlement, log)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return err
	})

	return g.Wait()
}

// runPruner forgets expired used nonces every interval until ctx ends.
func runPruner(ctx context.Context, engine *settlement.Engine, cfg config.Settlement, log zerolog.Logger) {
	if cfg.PruneInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.PruneNonces(ctx, cfg.NonceRetention); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("prune used nonces")
			}
		}
	}
}
