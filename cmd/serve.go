package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/subsync/internal/app"
	httpSrv "github.com/jmehdipour/subsync/internal/http"
	"github.com/jmehdipour/subsync/internal/provider"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveMemory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Load(cfgPath, app.Options{Memory: serveMemory})
		if err != nil {
			return err
		}
		defer a.Close()
		cfg := a.Cfg

		var verifier *provider.StripeVerifier
		if cfg.Provider.Name == "stripe" {
			verifier = provider.NewStripeVerifier(cfg.Provider.WebhookSecret)
		}
		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Events:   a.EventLog,
			Ingest:   a.Ingest,
			Sweeper:  a.Sweeper(false),
			History:  a.History,
			Verifier: verifier,
			Redis:    a.Redis,
			Log:      a.Log.Named("http"),
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		historyDone := a.RunHistory(ctx)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			a.Log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Log.Error("http server exited", zap.Error(err))
			}
			stop()
		}

		timeout := cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = server.Shutdown(sctx)
		<-historyDone
		_ = a.Log.Sync()
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "use in-process stores instead of MySQL, ClickHouse and Redis")
}
