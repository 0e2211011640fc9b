package main

import (
	"context"
	"time"

	"Wardline/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// governanceCron drives the periodic control-plane jobs: sampling the
// published pipeline metrics into the backpressure controller, and the daily
// budget review.
type governanceCron struct {
	c      *cron.Cron
	helper *log.Helper
}

// newGovernanceCron registers the periodic jobs. The cron is started by the
// application lifecycle, not here, so construction stays side-effect free.
func newGovernanceCron(
	backpressure *biz.BackpressureController,
	source biz.MetricSource,
	budget *biz.BudgetGovernor,
	logger log.Logger,
) *governanceCron {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	// Sample pipeline metrics every 15 seconds. Each sample runs one full
	// evaluation cycle per metric; a missing sample skips the metric so the
	// controller never acts on a value it does not have.
	_, err := c.AddFunc("*/15 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		samples, err := source.Sample(ctx)
		if err != nil {
			helper.Warnw("metric sampling failed, skipping cycle", "error", err)
			return
		}

		for name, value := range samples {
			if _, err := backpressure.UpdateMetric(ctx, name, value, nil); err != nil {
				helper.Errorw("metric evaluation failed",
					"metric", name,
					"value", value,
					"error", err)
			}
		}
	})
	if err != nil {
		helper.Errorw("failed to register metric sampling cron job", "error", err)
	}

	// Daily budget review at 00:05. Stats reads roll the period over on the
	// first review of a new month and surface projection drift early.
	_, err = c.AddFunc("0 5 0 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stats, err := budget.BudgetStats(ctx)
		if err != nil {
			helper.Errorw("daily budget review failed", "error", err)
			return
		}

		helper.Infow(
			"msg", "daily budget review",
			"month_year", stats.MonthYear,
			"spent_usd", stats.SpentUSD,
			"spend_ratio", stats.SpendRatio,
			"projected_spend", stats.ProjectedSpend,
			"status", stats.Status,
		)

		if stats.ProjectedSpend > stats.BudgetUSD && !stats.HardStop {
			helper.Warnw(
				"msg", "projected spend exceeds monthly budget",
				"month_year", stats.MonthYear,
				"projected_spend", stats.ProjectedSpend,
				"budget_usd", stats.BudgetUSD,
			)
		}
	})
	if err != nil {
		helper.Errorw("failed to register budget review cron job", "error", err)
	}

	return &governanceCron{c: c, helper: helper}
}

// Start begins the periodic jobs.
func (g *governanceCron) Start() {
	g.c.Start()
	g.helper.Info("governance cron started: metric sampling every 15s, budget review daily at 00:05")
}

// Stop halts scheduling and waits for running jobs to finish.
func (g *governanceCron) Stop() {
	ctx := g.c.Stop()
	<-ctx.Done()
	g.helper.Info("governance cron stopped")
}
