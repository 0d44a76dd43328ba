package modkernel

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Schedule runs periodic kernel jobs on a cron schedule.
type Schedule struct {
	cron   *cron.Cron
	logger Logger
}

// NewSchedule creates an empty, stopped schedule.
func NewSchedule(logger Logger) *Schedule {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Schedule{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger}))),
		logger: logger,
	}
}

// Add registers job under spec, a standard five-field expression or a
// descriptor such as "@every 1h".
func (s *Schedule) Add(name, spec string, job func()) error {
	id, err := s.cron.AddFunc(spec, job)
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	s.logger.Debug("Job scheduled", "job", name, "spec", spec, "entryID", id)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Schedule) Len() int {
	return len(s.cron.Entries())
}

// Start begins running jobs.
func (s *Schedule) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for running jobs or ctx.
func (s *Schedule) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for scheduled jobs to finish")
	}
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	logger Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
