package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"llvmsnapshots/pkg/bus"
	"llvmsnapshots/pkg/db"
	"llvmsnapshots/pkg/s3"
	"llvmsnapshots/pkg/telemetry"
	"llvmsnapshots/services/api"
	"llvmsnapshots/services/scheduler"
)

func newCronCommand(a *app) *cobra.Command {
	var (
		o      matrixOptions
		addr   string
		runNow bool
	)

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run the check matrix on the schedule from the strategies file and serve its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, "snapshot-cron")
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(shutdownCtx); err != nil {
					logger.Printf("WARN telemetry shutdown: %v", err)
				}
			}()

			cfg, err := scheduler.LoadStrategies(o.strategies)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics, err := scheduler.NewMetrics(reg)
			if err != nil {
				return err
			}
			inv, err := a.newInvoker(a.stdout)
			if err != nil {
				return err
			}

			cron, err := scheduler.NewCron(cfg.Schedule, func(ctx context.Context) (scheduler.Summary, error) {
				return runMatrix(ctx, a, o, inv, metrics, logger)
			}, logger)
			if err != nil {
				return err
			}

			if b := connectBus(logger); b != nil {
				defer b.Close()
				sub, err := b.Subscribe(ctx, bus.SubjectBuildFinished, "snapshot-cron", func(context.Context, []byte) error {
					logger.Printf("INFO build finished event received, running checks")
					go cron.RunOnce(ctx)
					return nil
				})
				if err != nil {
					logger.Printf("WARN subscribe %s: %v", bus.SubjectBuildFinished, err)
				} else {
					defer sub.Close()
				}
			}

			var mounts []func(chi.Router)
			history, closeHistory, err := historyAPI(ctx, logger)
			if err != nil {
				return err
			}
			if history != nil {
				defer closeHistory()
				mounts = append(mounts, history.Register)
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           middleware(cron.Routes(reg, mounts...)),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Printf("ERROR server shutdown: %v", err)
				}
			}()

			if runNow {
				go cron.RunOnce(ctx)
			}
			go func() {
				if err := cron.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Printf("ERROR scheduler stopped: %v", err)
				}
			}()

			logger.Printf("INFO listening on %s, schedule %q", addr, cfg.Schedule)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("ERROR server failed: %v", err)
				return err
			}
			return nil
		},
	}
	o.bind(cmd)
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address of the status server")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "Run the matrix once at startup")
	return cmd
}

// historyAPI serves check history when DATABASE_URL is set and artifact links
// when S3_ENDPOINT is set. It returns nil when neither is configured.
func historyAPI(ctx context.Context, logger *log.Logger) (*api.API, func(), error) {
	store := &api.Store{}
	closeFn := func() {}

	pool, err := db.OpenFromEnv(ctx)
	switch {
	case errors.Is(err, db.ErrNotConfigured):
	case err != nil:
		return nil, nil, fmt.Errorf("open database: %w", err)
	default:
		closeFn = pool.Close
		orm, err := db.ORM(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		store.ORM = orm
		logger.Printf("INFO serving check history")
	}

	if strings.TrimSpace(os.Getenv("S3_ENDPOINT")) != "" {
		client, err := s3.NewClientFromEnv()
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		store.Links = client
		logger.Printf("INFO serving artifact links from bucket %s", client.Bucket())
	}

	if store.ORM == nil && store.Links == nil {
		return nil, closeFn, nil
	}
	a, err := api.New(store)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return a, closeFn, nil
}
