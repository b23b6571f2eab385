// Command reportd runs the report fan-out scheduler and the two queue
// consumers.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fintrack/reportd/internal/config"
	"github.com/fintrack/reportd/internal/csvsink"
	"github.com/fintrack/reportd/internal/dispatch"
	"github.com/fintrack/reportd/internal/etl"
	"github.com/fintrack/reportd/internal/fanout"
	"github.com/fintrack/reportd/internal/model"
	"github.com/fintrack/reportd/internal/queue"
	"github.com/fintrack/reportd/internal/sched"
	"github.com/fintrack/reportd/internal/store"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	st := store.NewGorm(db)
	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		log.Fatal().Err(err).Msg("broker")
	}
	defer conn.Close()

	pubCh, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("broker channel")
	}
	if err := queue.Declare(pubCh, cfg.ReportQueue, cfg.SummaryQueue, cfg.DeadLetterQueue); err != nil {
		log.Fatal().Err(err).Msg("declare queues")
	}
	publisher := queue.NewPublisher(pubCh, log)

	sink := csvsink.New(cfg.OutputDir)
	reportPipeline := etl.NewReportPipeline(st, st, sink, cfg.ChunkSize, log)
	summaryPipeline := etl.NewSummaryPipeline(st, st, sink, log)

	engine := fanout.NewEngine(st, st, st, publisher, map[model.TaskKind]string{
		model.TaskReport:        cfg.ReportQueue,
		model.TaskReportSummary: cfg.SummaryQueue,
	}, log)

	scheduler := sched.New(st, engine, log)
	if err := scheduler.Register(cfg.EODSchedule, cfg.EOMSchedule); err != nil {
		log.Fatal().Err(err).Msg("schedules")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	consumers := []struct {
		queue    string
		kind     model.TaskKind
		pipeline etl.Pipeline
	}{
		{cfg.ReportQueue, model.TaskReport, reportPipeline},
		{cfg.SummaryQueue, model.TaskReportSummary, summaryPipeline},
	}
	for _, c := range consumers {
		ch, err := conn.Channel()
		if err != nil {
			log.Fatal().Err(err).Msg("consumer channel")
		}
		d := dispatch.New(st, c.kind, c.pipeline, log)
		consumer := queue.NewConsumer(ch, queue.ConsumerConfig{
			Queue:           c.queue,
			DeadLetterQueue: cfg.DeadLetterQueue,
			Workers:         cfg.Workers,
			MaxAttempts:     cfg.MaxAttempts,
		}, d.Handle, d.Exhausted, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("consumer stopped")
				stop()
			}
		}()
	}

	scheduler.Start()
	log.Info().Msg("reportd started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	scheduler.Stop()
	wg.Wait()
}
