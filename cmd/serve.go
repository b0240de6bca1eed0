package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/control"
	"github.com/sells-group/registry-cli/internal/metrics"
	"github.com/sells-group/registry-cli/internal/monitoring"
	"github.com/sells-group/registry-cli/internal/progress"
	"github.com/sells-group/registry-cli/internal/stage"
)

var (
	servePort             int
	serveDispatch         bool
	serveDispatchInterval time.Duration
	serveMaxJobs          int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control and monitoring API",
	Long:  "Serves POST /control, GET /monitoring and GET /metrics, dispatches running jobs to stage runners, and optionally runs the job watchdog.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		machine, err := newMachine(st)
		if err != nil {
			return err
		}
		m := metrics.New(nil)
		est := progress.NewEstimator(st, cfg.Progress)
		handler := control.NewRouter(control.NewService(machine).WithMetrics(m), est, cfg.Server.CORSOrigins)

		var background sync.WaitGroup
		if serveDispatch {
			runner, err := buildRunner(st, m)
			if err != nil {
				return err
			}
			d := stage.NewDispatcher(runner, st, serveDispatchInterval, serveMaxJobs)
			background.Add(1)
			go func() {
				defer background.Done()
				d.Run(ctx)
			}()
		}
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st, est, 0),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			background.Add(1)
			go func() {
				defer background.Done()
				checker.Run(ctx)
			}()
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port), zap.Bool("dispatch", serveDispatch))
		err = srv.ListenAndServe()
		stop()
		background.Wait()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveDispatch, "dispatch", true, "run stages for jobs in running state")
	serveCmd.Flags().DurationVar(&serveDispatchInterval, "dispatch-interval", 10*time.Second, "how often to look for running jobs")
	serveCmd.Flags().IntVar(&serveMaxJobs, "max-jobs", 1, "max jobs executing concurrently")
	rootCmd.AddCommand(serveCmd)
}
