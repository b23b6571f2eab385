// Package sched turns cron ticks into MainTasks and fan-out runs.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fintrack/reportd/internal/fanout"
	"github.com/fintrack/reportd/internal/model"
	"github.com/fintrack/reportd/internal/store"
)

// Scheduler registers the end-of-day and end-of-month cycles: EOD fans out
// per-transaction reports, EOM fans out summaries.
type Scheduler struct {
	cron      *cron.Cron
	mainTasks store.MainTaskStore
	engine    *fanout.Engine
	log       zerolog.Logger
}

func New(mainTasks store.MainTaskStore, engine *fanout.Engine, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		mainTasks: mainTasks,
		engine:    engine,
		log:       log,
	}
}

// Register adds both cycles using standard 5-field cron specs.
func (s *Scheduler) Register(eodSpec, eomSpec string) error {
	if _, err := s.cron.AddFunc(eodSpec, func() {
		s.trigger(model.KindEOD, model.TaskReport)
	}); err != nil {
		return fmt.Errorf("register EOD schedule %q: %w", eodSpec, err)
	}
	if _, err := s.cron.AddFunc(eomSpec, func() {
		s.trigger(model.KindEOM, model.TaskReportSummary)
	}); err != nil {
		return fmt.Errorf("register EOM schedule %q: %w", eomSpec, err)
	}
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for any running trigger to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Trigger runs one cycle immediately. Exposed for operational runs outside
// the cron schedule.
func (s *Scheduler) Trigger(ctx context.Context, kind model.ReportKind, taskKind model.TaskKind) error {
	mt := &model.MainTask{
		Kind:        kind,
		Status:      model.MainTaskPending,
		ScheduledAt: time.Now(),
	}
	if err := s.mainTasks.CreateMainTask(ctx, mt); err != nil {
		return err
	}
	return s.engine.Run(ctx, mt.ID, taskKind)
}

func (s *Scheduler) trigger(kind model.ReportKind, taskKind model.TaskKind) {
	ctx := context.Background()
	if err := s.Trigger(ctx, kind, taskKind); err != nil {
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("scheduled fan-out failed")
		return
	}
	s.log.Info().Str("kind", string(kind)).Msg("scheduled fan-out done")
}
