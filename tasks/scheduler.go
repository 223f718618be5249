package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler fires every channel on its crontab. A channel that is still
// running when its next slot comes up skips that slot instead of
// stacking.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler wires all channels onto one cron runner.
func NewScheduler(task *Task, logger *slog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)

	for _, ch := range Channels {
		if _, err := c.AddFunc(ch.Crontab, func() {
			if err := task.Execute(context.Background(), ch.Frequency); err != nil {
				logger.Error("channel firing failed", "frequency", ch.Frequency, "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s channel: %w", ch.Frequency, err)
		}
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start begins firing channels in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "channels", len(Channels))
}

// Stop halts scheduling and returns a context that is done once any
// in-flight firing has finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")
	return s.cron.Stop()
}

// cronLogger adapts slog to the cron logging contract.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
