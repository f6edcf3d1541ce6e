// Package scheduler triggers recovery sweeps periodically through asynq.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/recovery"
)

// Sweeper runs one recovery pass.
type Sweeper interface {
	Sweep(ctx context.Context) (recovery.Report, error)
}

// NewRecoveryTask builds the task enqueued on every tick.
func NewRecoveryTask() *asynq.Task {
	return asynq.NewTask(common.TaskRecoverySweep, nil)
}

// RecoveryHandler runs a sweep for each task. Per clip failures are part of
// the report; only a failure to list candidates fails the task. The task
// deadline and worker shutdown do not interrupt a running sweep.
func RecoveryHandler(logger *slog.Logger, sweeper Sweeper) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		rep, err := sweeper.Sweep(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("%s: %w", t.Type(), err)
		}
		logger.Debug("scheduled sweep done", "task", t.Type(), "found", rep.Found, "recovered", rep.Recovered)
		return nil
	}
}

// Worker owns the asynq server that executes sweeps and the scheduler that enqueues them.
type Worker struct {
	log       *slog.Logger
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	interval  time.Duration
}

func New(logger *slog.Logger, rc config.RedisConfig, rec config.RecoveryConfig, sweeper Sweeper) *Worker {
	opt := asynq.RedisClientOpt{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}
	adapter := logAdapter{log: logger.With("component", "asynq")}

	mux := asynq.NewServeMux()
	mux.HandleFunc(common.TaskRecoverySweep, RecoveryHandler(logger, sweeper))

	return &Worker{
		log: logger,
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: 1,
			Logger:      adapter,
			LogLevel:    asynq.WarnLevel,
		}),
		scheduler: asynq.NewScheduler(opt, &asynq.SchedulerOpts{
			Logger:   adapter,
			LogLevel: asynq.WarnLevel,
		}),
		mux:      mux,
		interval: rec.Interval,
	}
}

// Run registers the periodic sweep and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	cronspec := "@every " + w.interval.String()
	entryID, err := w.scheduler.Register(cronspec, NewRecoveryTask(),
		asynq.MaxRetry(0),
		asynq.Timeout(w.interval),
		asynq.Unique(w.interval),
	)
	if err != nil {
		return fmt.Errorf("register recovery task: %w", err)
	}
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := w.scheduler.Start(); err != nil {
		w.server.Shutdown()
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	w.log.Info("recovery scheduler started", "entry_id", entryID, "every", w.interval)

	<-ctx.Done()
	w.scheduler.Shutdown()
	w.server.Shutdown()
	w.log.Info("recovery scheduler stopped")
	return nil
}

// logAdapter routes asynq logs through slog.
type logAdapter struct {
	log *slog.Logger
}

func (l logAdapter) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l logAdapter) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l logAdapter) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l logAdapter) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }

func (l logAdapter) Fatal(args ...interface{}) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
