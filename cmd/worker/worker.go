package worker

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/subsync/internal/app"
	"github.com/jmehdipour/subsync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	metricsAddr string
	useMemory   bool
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address (disabled when empty)")
	cmd.PersistentFlags().BoolVar(&useMemory, "memory", false, "use in-process stores instead of MySQL, ClickHouse and Redis")

	// attach subcommands
	cmd.AddCommand(ingestCmd)
	cmd.AddCommand(retryCmd)
	cmd.AddCommand(reconcileCmd)
	cmd.AddCommand(resyncCmd)

	return cmd
}

// run builds the App, serves metrics if asked and calls body with a context
// cancelled on SIGINT or SIGTERM. The history writer is flushed before return.
func run(cmd *cobra.Command, body func(ctx context.Context, a *app.App) error) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	a, err := app.Load(cfgPath, app.Options{Memory: useMemory})
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() { _ = a.Log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Log.Error("metrics server exited", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	historyDone := a.RunHistory(ctx)
	err = body(ctx, a)
	stop()
	<-historyDone
	return err
}
