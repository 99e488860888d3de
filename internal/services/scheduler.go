package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/logger"
	"github.com/robfig/cron/v3"
)

// Snapshotter takes a backup.
type Snapshotter interface {
	Snapshot(ctx context.Context) (BackupInfo, error)
}

// ScheduledDrawer settles the nightly draw on its own.
type ScheduledDrawer interface {
	RunScheduledDraw(ctx context.Context) (Settlement, error)
}

// SchedulerConfig says which background jobs run and when.
type SchedulerConfig struct {
	// BackupSchedule is a cron spec such as "@every 6h"; empty disables it.
	BackupSchedule string
	// AutoSettle settles every draw once DrawGrace has passed after 21:30.
	AutoSettle bool
	DrawGrace  time.Duration
}

// Scheduler runs periodic backups and, optionally, the nightly settlement.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// drawSchedule fires grace after every draw instant.
type drawSchedule struct {
	grace time.Duration
}

func (d drawSchedule) Next(t time.Time) time.Time {
	return NextDrawInstant(t.Add(-d.grace)).Add(d.grace)
}

// cronLogger forwards cron's own messages to the process logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	logger.V(1).Infof("cron: %s %v", msg, kv)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	logger.Errorf("cron: %s %v: %v", msg, kv, err)
}

func NewScheduler(cfg SchedulerConfig, backups Snapshotter, draws ScheduledDrawer) (*Scheduler, error) {
	l := cronLogger{}
	c := cron.New(
		cron.WithLocation(DrawZone),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	s := &Scheduler{cron: c, ctx: context.Background()}

	if cfg.BackupSchedule != "" && backups != nil {
		if _, err := c.AddFunc(cfg.BackupSchedule, func() {
			_, _ = backups.Snapshot(s.ctx)
		}); err != nil {
			return nil, fmt.Errorf("backup schedule %q: %w", cfg.BackupSchedule, err)
		}
	}

	if cfg.AutoSettle && draws != nil {
		c.Schedule(drawSchedule{grace: cfg.DrawGrace}, cron.FuncJob(func() {
			res, err := draws.RunScheduledDraw(s.ctx)
			switch {
			case errors.Is(err, ErrUnresolved):
				logger.Warning("scheduler: nightly draw skipped, official number unresolved")
			case err != nil:
				logger.Errorf("scheduler: nightly draw failed: %v", err)
			default:
				logger.Infof("scheduler: nightly draw %s settled with %d winner(s)",
					res.Outcome.OfficialNumber, len(res.Outcome.Winners))
			}
		}))
	}
	return s, nil
}

// Start runs the jobs in the background until Stop. Jobs use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		logger.Infof("scheduler: job %d next run at %s", e.ID, e.Next.Format(time.RFC3339))
	}
}

// Stop prevents new runs and waits for running jobs or ctx, whichever ends
// first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logger.Warning("scheduler: stop timed out with jobs still running")
	}
}
