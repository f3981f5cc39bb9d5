package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vipul43/repopulse/internal/httpapi"
	"github.com/vipul43/repopulse/internal/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and webhook endpoint",
	Long: `Run the HTTP API and webhook endpoint.

The task worker runs in the same process by default, which a memory://
QUEUE_URL requires. Pass --no-worker to serve the API only and run the
worker as a separate "repopulse worker" process; this needs a postgres://
QUEUE_URL that both processes share.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("no-worker", false, "Do not run the task worker in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	noWorker, _ := cmd.Flags().GetBool("no-worker")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if err := checkWorkerMode(noWorker, a.cfg.QueueURL); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: a.cfg.HTTPAddr,
		Handler: httpapi.NewRouter(a.cfg.APIKeys, httpapi.Deps{
			Webhooks:     a.webhooks,
			Orchestrator: a.orchestrator,
			Resources:    a.resources,
			Integrations: a.integrations,
			Ping:         a.ping,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP server listening on %s", a.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeout)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if !noWorker {
		w := a.newWatcher()
		g.Go(func() error {
			return w.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("Application stopped")
	return nil
}

// checkWorkerMode rejects --no-worker when tasks would sit in a queue no
// other process can reach.
func checkWorkerMode(noWorker bool, queueURL string) error {
	if noWorker && queue.IsInProcess(queueURL) {
		return fmt.Errorf("--no-worker needs a shared queue; QUEUE_URL %q is in-process", queueURL)
	}
	return nil
}
