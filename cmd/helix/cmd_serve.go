package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helix/internal/inbox"
	"helix/internal/logging"
	"helix/internal/mcp"
	"helix/internal/rollback"
	"helix/internal/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var noMCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel: MCP on stdio, inbox watcher, bake monitor, metrics",
	Long: `Restores every active skill, then serves until interrupted:
  - MCP tools on stdin/stdout (disable with --no-mcp)
  - the inbox drop directory, when inbox.enabled is set
  - the bake monitor, which rolls back regressed promotions
  - Prometheus metrics on metrics.addr, when set`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noMCP, "no-mcp", false, "Do not serve MCP on stdio")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.rollback.Restore(ctx); err != nil {
		logging.BootWarn("restored %d skills with errors: %v", n, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	bake := rollback.NewBakeMonitor(a.rollback, rollback.BakeOptions{
		Period:       cfg.GetBakePeriod(),
		AutoRollback: cfg.Rollback.AutoRollback,
		Policy: types.RegressionPolicy{
			MinCalls:             cfg.Rollback.MinCalls,
			MaxErrorRateIncrease: cfg.Rollback.MaxErrorRateIncrease,
			MaxLatencyIncrease:   cfg.Rollback.MaxLatencyIncrease,
		},
	})
	g.Go(func() error { return ignoreCanceled(bake.Run(ctx)) })

	if cfg.Inbox.Enabled {
		w, err := inbox.NewWatcher(cfg.Inbox.Dir, a.pipeline, cfg.GetInboxDebounce())
		if err != nil {
			return abandon(cancel, g, err)
		}
		if err := w.Start(ctx); err != nil {
			return abandon(cancel, g, err)
		}
		defer w.Stop()
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logging.Boot("metrics on %s", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if !noMCP {
		server := mcp.New(version, a.pipeline, a.rollback, a.loader)
		g.Go(func() error {
			err := server.Run(ctx)
			// The client hanging up ends the session, not the kernel.
			logging.MCP("MCP session ended: %v", err)
			return nil
		})
	}

	logging.Boot("helix %s serving", version)
	return g.Wait()
}

// abandon stops the goroutines already started in g and reports err
// together with whatever they return.
func abandon(cancel context.CancelFunc, g *errgroup.Group, err error) error {
	cancel()
	return errors.Join(err, g.Wait())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
