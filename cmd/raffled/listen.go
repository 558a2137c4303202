package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/reconciler"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "listen",
		Short: "Reconcile raffle and token events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd.Context())
		},
	})
}

func runListen(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.client.VerifyContracts(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	var server *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics: serving", zap.String("address", cfg.MetricsAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	events := make(reconciler.ChannelSink, 64)
	eventReconciler := reconciler.New(a.client, a.storage, events, reconciler.Options{
		PollInterval:  cfg.PollInterval,
		MaxBlockRange: cfg.MaxBlockRange,
		StartBlock:    cfg.StartBlock,
		StartLookback: cfg.StartLookback,
	})

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := eventReconciler.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		consumeEvents(events, stopped)
	}()

	select {
	case err = <-errCh:
		logger.Error("listen: stopping on error", zap.Error(err))
	case <-ctx.Done():
		logger.Info("listen: interrupt received, finishing in-flight batches...")
	}
	cancel()

	<-stopped
	<-consumed

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("metrics: shutdown failed", zap.Error(shutdownErr))
		}
	}

	logger.Info("listen: stopped")
	return err
}

// consumeEvents logs reconciled events until the reconciler has stopped and the
// buffer is drained.
func consumeEvents(events reconciler.ChannelSink, stopped <-chan struct{}) {
	for {
		select {
		case event := <-events:
			logEvent(event)
		case <-stopped:
			for {
				select {
				case event := <-events:
					logEvent(event)
				default:
					return
				}
			}
		}
	}
}

func logEvent(event reconciler.Event) {
	fields := []zap.Field{
		zap.String("type", string(event.Type)),
		zap.String("tx", event.TxHash),
		zap.Uint64("block", event.BlockNumber),
	}
	if event.Identity != "" {
		fields = append(fields, zap.String("identity", event.Identity))
	}
	if event.Amount != nil {
		fields = append(fields, zap.String("amount", event.Amount.String()))
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request id", event.RequestID))
	}
	logger.Info("event", fields...)
}
