// Package scheduler runs the unattended daily backup followed by rotation.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/backup"
	"github.com/rowjay/intranet-backup/internal/config"
)

// DefaultSpec fires every day at 02:00.
const DefaultSpec = "0 2 * * *"

// Runner is the part of backup.Service the scheduler drives.
type Runner interface {
	CreateBackup(ctx context.Context) (backup.CreateResult, error)
	RotateBackups(ctx context.Context) (backup.RotateResult, error)
}

type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	log    zerolog.Logger
	entry  cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.ScheduleConfig, runner Runner, log zerolog.Logger) (*Scheduler, error) {
	spec := cfg.Cron
	if spec == "" {
		spec = DefaultSpec
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule timezone: %w", err)
		}
		loc = l
	}

	log = log.With().Str("component", "scheduler").Logger()
	clog := cronLogger{log: log}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(parser),
		cron.WithLogger(clog),
		cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, runner: runner, log: log, ctx: ctx, cancel: cancel}
	id, err := c.AddFunc(spec, func() { _ = s.RunOnce(s.ctx) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Time("next", s.Next()).Msg("backup schedule started")
}

// Stop prevents new runs and waits for a running one until ctx is done, at
// which point the running backup is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Next returns the next planned run, or the zero time when not started.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// RunOnce performs one scheduled cycle: create, then rotate on success.
// Errors are logged and returned; they never stop the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ctx = backup.WithTrigger(ctx, "schedule")
	res, err := s.runner.CreateBackup(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled backup failed; rotation skipped")
		return err
	}
	s.log.Info().Str("manifest", res.Manifest.Filename).Msg("scheduled backup finished")

	rot, err := s.runner.RotateBackups(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled rotation failed")
		return err
	}
	s.log.Info().Int("kept", len(rot.Kept)).Int("deleted", len(rot.Deleted)).Int("failed", len(rot.Failed)).
		Msg("scheduled rotation finished")
	return nil
}

// cronLogger routes cron's own messages (skips, recovered panics) to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
