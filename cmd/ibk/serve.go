package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowjay/intranet-backup/internal/api"
	"github.com/rowjay/intranet-backup/internal/scheduler"
)

func newServeCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP API and the backup schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			if rt.cfg.HTTP.AdminToken == "" {
				rt.log.Warn().Msg("http.admin_token is empty; admin endpoints will reject every request")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var sched *scheduler.Scheduler
			if rt.cfg.Schedule.Enabled && !noSchedule {
				sched, err = scheduler.New(rt.cfg.Schedule, rt.svc, rt.log)
				if err != nil {
					return err
				}
				sched.Start()
			}

			apiServer := api.NewServer(rt.svc, api.TokenAuthorizer{Token: rt.cfg.HTTP.AdminToken}, rt.metrics, rt.log)
			srv := &http.Server{
				Addr:         rt.cfg.HTTP.Listen,
				Handler:      apiServer.Routes(),
				ReadTimeout:  rt.cfg.HTTP.ReadTimeout,
				WriteTimeout: rt.cfg.HTTP.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				rt.log.Info().Str("listen", srv.Addr).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				rt.log.Info().Msg("shutting down")
			case serveErr = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.HTTP.ShutdownTimeout)
			defer cancel()

			var errs []error
			if serveErr != nil {
				errs = append(errs, serveErr)
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
			if sched != nil {
				if err := sched.Stop(shutdownCtx); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "Serve the API without running scheduled backups")
	return cmd
}
