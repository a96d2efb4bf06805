package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/subsync/internal/app"
	"github.com/jmehdipour/subsync/internal/config"
	"github.com/jmehdipour/subsync/internal/kafka"
	"github.com/jmehdipour/subsync/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Consume pre-verified notifications from Kafka and ingest them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, a *app.App) error {
			kc := a.Cfg.Kafka
			consumer := newConsumer(kc, kc.IngestTopic, "ingest")
			defer consumer.Close()

			w := worker.NewIngestKafka(consumer, a.Ingest, a.Log.Named("ingest-worker"))
			if kc.Workers > 0 {
				w.Workers = kc.Workers
			}
			a.Log.Info("ingest worker started",
				zap.String("topic", kc.IngestTopic), zap.Int("workers", w.Workers))
			return w.Run(ctx)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Periodically re-attempt failed and stale pending events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, a *app.App) error {
			sched := a.Scheduler()
			log := a.Log.Named("retry-worker")
			p := &worker.Periodic{
				Name:     "retry",
				Interval: a.Cfg.Retry.Interval,
				Log:      log,
				Tick: func(ctx context.Context) error {
					stats, err := sched.RunOnce(ctx)
					if err != nil {
						return err
					}
					if stats.Selected > 0 {
						log.Info("retry run",
							zap.Int("selected", stats.Selected),
							zap.Int("succeeded", stats.Succeeded),
							zap.Int("failed", stats.Failed),
							zap.Int("exhausted", stats.Exhausted),
							zap.Int("lost", stats.Lost),
							zap.Int("errors", stats.Errors))
					}
					return nil
				},
			}
			log.Info("retry worker started", zap.Duration("interval", p.Interval))
			return p.Run(ctx)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Periodically compare user_subscriptions with the sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, a *app.App) error {
			sweeper := a.Sweeper(false)
			log := a.Log.Named("reconcile-worker")
			p := &worker.Periodic{
				Name:     "reconcile",
				Interval: a.Cfg.Reconcile.Interval,
				Log:      log,
				Tick: func(ctx context.Context) error {
					stats, err := sweeper.Sweep(ctx)
					if err != nil {
						return err
					}
					fields := []zap.Field{zap.Int("owners", stats.Owners)}
					for r, n := range stats.Results {
						fields = append(fields, zap.Int(string(r), n))
					}
					log.Info("reconcile sweep", fields...)
					return nil
				},
			}
			log.Info("reconcile worker started",
				zap.Duration("interval", p.Interval),
				zap.String("repair_policy", a.Cfg.Reconcile.RepairPolicy),
				zap.String("mode", a.Cfg.Reconcile.Mode))
			return p.Run(ctx)
		})
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Consume subscription.resync requests relayed from the outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, a *app.App) error {
			kc := a.Cfg.Kafka
			if a.Cfg.Reconcile.RepairPolicy == "" {
				return fmt.Errorf("reconcile.repair_policy must be set to run the resync worker")
			}
			consumer := newConsumer(kc, kc.ResyncTopic, "resync")
			defer consumer.Close()

			w := worker.NewResyncKafka(consumer, a.Sweeper(true), a.Log.Named("resync-worker"))
			a.Log.Info("resync worker started", zap.String("topic", kc.ResyncTopic))
			return w.Run(ctx)
		})
	},
}

// newConsumer builds a group consumer; the group id gets the worker name as
// a suffix so ingest and resync track offsets independently.
func newConsumer(kc config.KafkaConfig, topic, name string) *kafka.Consumer {
	groupID := kc.GroupID
	if groupID == "" {
		groupID = "subsync"
	}
	return kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        kc.Brokers,
		Topic:          topic,
		GroupID:        groupID + "-" + name,
		MinBytes:       kc.MinBytes,
		MaxBytes:       kc.MaxBytes,
		CommitInterval: time.Duration(kc.CommitInterval) * time.Millisecond,
		StartOffset:    kc.StartOffset,
	})
}
