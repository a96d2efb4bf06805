package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmehdipour/subsync/internal/config"
	"github.com/jmehdipour/subsync/internal/db"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed user_subscriptions with demo owners",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo subscriptions...")
		if err := seedSubscriptions(sqlDB, time.Now().UTC()); err != nil {
			return err
		}
		log.Println(">> Seed completed")
		return nil
	},
}

// seedSubscriptions upserts deterministic demo owners (idempotent).
func seedSubscriptions(dbx *sqlx.DB, now time.Time) error {
	periodEnd := now.Add(30 * 24 * time.Hour).Truncate(time.Second)
	subs := []model.UserSubscription{
		{OwnerID: "demo-active", Status: "active", ExternalSubscriptionID: strptr("sub_demo_active"), PlanID: strptr("price_pro_monthly"), CurrentPeriodEnd: &periodEnd},
		{OwnerID: "demo-trial", Status: "trialing", ExternalSubscriptionID: strptr("sub_demo_trial"), PlanID: strptr("price_pro_monthly"), CurrentPeriodEnd: &periodEnd},
		{OwnerID: "demo-past-due", Status: "past_due", ExternalSubscriptionID: strptr("sub_demo_past_due"), PlanID: strptr("price_basic_monthly"), CurrentPeriodEnd: &periodEnd},
		{OwnerID: "demo-canceling", Status: "active", ExternalSubscriptionID: strptr("sub_demo_canceling"), PlanID: strptr("price_basic_monthly"), CurrentPeriodEnd: &periodEnd, CancelAtPeriodEnd: true},
		{OwnerID: "demo-canceled", Status: "canceled", ExternalSubscriptionID: strptr("sub_demo_canceled")},
	}

	// idempotent upsert on owner_id (PRIMARY KEY)
	const q = `
INSERT INTO user_subscriptions
    (owner_id, status, external_subscription_id, plan_id, current_period_end, cancel_at_period_end, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    status                   = VALUES(status),
    external_subscription_id = VALUES(external_subscription_id),
    plan_id                  = VALUES(plan_id),
    current_period_end       = VALUES(current_period_end),
    cancel_at_period_end     = VALUES(cancel_at_period_end),
    updated_at               = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, s := range subs {
		if _, err := tx.Exec(q, s.OwnerID, s.Status, s.ExternalSubscriptionID, s.PlanID,
			s.CurrentPeriodEnd, s.CancelAtPeriodEnd, now); err != nil {
			return fmt.Errorf("upsert subscription %s: %w", s.OwnerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func strptr(s string) *string { return &s }
