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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/danielpatrickdp/adaptive-policy/internal/api"
	"github.com/danielpatrickdp/adaptive-policy/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the gRPC health service and the background loops",
		RunE:  runServe,
	}
}

// #region serve
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, log := rt.cfg, rt.log
	if err := cfg.CheckServing(); err != nil {
		return err
	}

	// bind before any goroutine starts so a busy port returns here, not
	// after the engine loops are live
	httpLis, grpcLis, err := bindListeners(cfg.Server.Addr, cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.Exporter, "policyd")
	if err != nil {
		closeListeners(httpLis, grpcLis)
		return err
	}
	defer shutdownTracing(context.Background())

	handler := api.New(rt.engine, api.Options{
		Auth:          api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.AllowHeaderIdentity),
		RatePerSecond: cfg.Events.RatePerSecond,
		Burst:         cfg.Events.Burst,
		Log:           log,
	}).Handler()
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.engine.Run(gctx) })
	g.Go(func() error {
		log.Info("http listening", "addr", httpLis.Addr().String())
		if err := httpSrv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	var grpcSrv *grpc.Server
	var healthSrv *health.Server
	if grpcLis != nil {
		grpcSrv = grpc.NewServer()
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		healthSrv.SetServingStatus("policyd", healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			log.Info("grpc health listening", "addr", grpcLis.Addr().String())
			return grpcSrv.Serve(grpcLis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		if healthSrv != nil {
			healthSrv.Shutdown()
			grpcSrv.GracefulStop()
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	if ferr := rt.engine.Flush(context.Background()); ferr != nil {
		log.Error("final flush", "error", ferr)
	}
	return err
}

// bindListeners opens the HTTP listener and, when grpcAddr is set, the gRPC
// one. On failure nothing is left open.
func bindListeners(httpAddr, grpcAddr string) (httpLis, grpcLis net.Listener, err error) {
	httpLis, err = net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("http listen: %w", err)
	}
	if grpcAddr == "" {
		return httpLis, nil, nil
	}
	grpcLis, err = net.Listen("tcp", grpcAddr)
	if err != nil {
		httpLis.Close()
		return nil, nil, fmt.Errorf("grpc listen: %w", err)
	}
	return httpLis, grpcLis, nil
}

func closeListeners(ls ...net.Listener) {
	for _, l := range ls {
		if l != nil {
			l.Close()
		}
	}
}

// #endregion serve
