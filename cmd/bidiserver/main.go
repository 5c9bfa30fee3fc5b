// Command bidiserver runs the WebDriver BiDi-over-CDP translator: it
// launches (or attaches to) a Chrome instance and exposes a BiDi WebSocket
// endpoint that drives it. Flag handling follows the teacher's
// cobra/pflag-based command layout rather than its Goja-parsed
// LaunchOptions, since this binary has no embedded script host to read
// options off of.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chromedevtools/bidi-server/internal/config"
	"github.com/chromedevtools/bidi-server/internal/eventqueue"
	bidilog "github.com/chromedevtools/bidi-server/internal/log"
	"github.com/chromedevtools/bidi-server/internal/processor"
	"github.com/chromedevtools/bidi-server/internal/server"
	"github.com/chromedevtools/bidi-server/internal/session"
	"github.com/chromedevtools/bidi-server/internal/subscription"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var logLevel string
	var categoryFilter string
	var rateLimit float64
	var rateBurst int

	cmd := &cobra.Command{
		Use:   "bidiserver",
		Short: "Run a WebDriver BiDi server backed by a single Chrome instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := bidilog.New(logrus.New(), nil)
			if err := logger.SetLevel(logLevel); err != nil {
				return err
			}
			if categoryFilter != "" {
				if err := logger.SetCategoryFilter(categoryFilter); err != nil {
					return err
				}
			}

			return run(cmd.Context(), cfg, logger, rateLimit, rateBurst)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.Port, "port", cfg.Port, "listen port for the BiDi WebSocket endpoint")
	flags.BoolVar(&cfg.Headless, "headless", cfg.Headless, "launch Chrome headless")
	flags.StringVar((*string)(&cfg.Channel), "channel", string(cfg.Channel), "chrome release channel (stable|beta|dev|canary)")
	flags.StringVar(&cfg.ChromeBinary, "chrome-binary", cfg.ChromeBinary, "override executable path instead of resolving by channel")
	flags.StringArrayVar(&cfg.ChromeArgs, "chrome-arg", nil, "extra Chrome command-line flag (repeatable)")
	flags.BoolVar(&cfg.AcceptInsecureCerts, "accept-insecure-certs", cfg.AcceptInsecureCerts, "ignore TLS certificate errors")
	flags.BoolVar(&cfg.SharedIDWithFrame, "shared-id-with-frame", cfg.SharedIDWithFrame, "encode the owning frame id into SharedId values")
	flags.DurationVar(&cfg.LaunchTimeout, "launch-timeout", cfg.LaunchTimeout, "how long to wait for Chrome's DevTools endpoint")
	flags.StringVar(&cfg.ScreenshotDir, "screenshot-dir", cfg.ScreenshotDir, "additionally persist captureScreenshot results under this directory")
	flags.StringVar(&logLevel, "log-level", "info", "logrus level (trace|debug|info|warn|error)")
	flags.StringVar(&categoryFilter, "log-category-filter", "", "regexp filtering which log categories are emitted")
	flags.Float64Var(&rateLimit, "command-rate-limit", 0, "commands/sec allowed per connection; 0 disables the guard")
	flags.IntVar(&rateBurst, "command-rate-burst", 20, "burst size for --command-rate-limit")

	return cmd
}

func run(ctx context.Context, cfg config.Config, logger *bidilog.Logger, rateLimit float64, rateBurst int) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := session.NewManager(cfg, logger)

	newSession := func(sessionID string) (*processor.Processor, *subscription.Manager, *eventqueue.Queue, func()) {
		proc := processor.New(logger, cfg.Verbose)
		if rateLimit > 0 {
			proc.SetRateLimit(rateLimit, rateBurst)
		}
		subs := subscription.New(func(contextID string) (string, bool) {
			sess, ok := manager.Session(sessionID)
			if !ok {
				return "", false
			}
			return sess.Contexts.FindTopLevel(contextID)
		})
		queue := manager.Bind(sessionID, proc, subs)
		return proc, subs, queue, func() { manager.Unbind(sessionID) }
	}

	srv := server.New(logger, newSession)

	mux := http.NewServeMux()
	mux.Handle("/session", srv.Handler())
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("main", "listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Infof("main", "shutting down")
	srv.Shutdown()
	manager.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
