package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinegate/cmd/offlinegate/handlers"
	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/printer"
)

var (
	serveListen          string
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the app shell and run the gateway",
	Long: `Install fetches the app shell into the cache, activation prunes stale
caches, and the gateway then proxies every request to the origin.

Submissions that cannot reach the origin are stored and replayed when
connectivity returns. The control API is served under ` + handlers.Prefix + `.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (overrides listen in offlinegate.yml)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for in-flight requests on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := rt.worker
	printer.Step("Installing app shell from %s\n", rt.cfg.Origin)
	if err := w.Install(ctx); err != nil {
		if prevErr := w.ActivatePrevious(ctx); prevErr != nil {
			return printer.ErrorWithContext(
				"Install failed",
				err.Error(),
				map[string]string{"origin": rt.cfg.Origin},
				[]string{
					"Check that the origin is reachable",
					"Remove missing assets from cache.app_shell_files",
				},
			)
		}
		printer.Warning("Install failed (%v); serving the app shell from the previous run\n", err)
	} else if err := w.Activate(ctx); err != nil {
		return printer.Error("Activation failed", err.Error(), nil)
	}
	if err := w.Start(ctx); err != nil {
		return printer.Error("Failed to start background workers", err.Error(), nil)
	}

	listen := rt.cfg.Listen
	if serveListen != "" {
		listen = serveListen
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           handlers.NewRouter(w),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	printer.Success("offlinegate listening on %s (origin %s)\n", listen, rt.cfg.Origin)
	logging.Info("Gateway started", map[string]interface{}{
		"listen": listen,
		"origin": rt.cfg.Origin,
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return printer.Error("Gateway stopped unexpectedly", err.Error(), nil)
		}
	case <-ctx.Done():
	}

	printer.Info("\nShutting down...\n")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Graceful shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	logging.Info("Gateway stopped", nil)
	return nil
}
