// Package scheduler runs each market's daily update after its session
// close. Times are configured in UTC; the trading-day gate keeps
// weekend and holiday runs as no-ops before any network call.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"stock_warehouse/config"
	"stock_warehouse/models"
	"stock_warehouse/services/calendar"
	"stock_warehouse/services/runlock"
	"stock_warehouse/services/runner"
)

// Start registers the per-market jobs and starts the scheduler in the
// background. Stop it via the returned scheduler.
func Start(cfg *config.Config, r *runner.Runner, cal calendar.Calendar) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)

	jobs := []struct {
		market models.Market
		at     string
	}{
		{models.MarketTW, cfg.TWUpdateTime},
		{models.MarketUS, cfg.USUpdateTime},
		{models.MarketHK, cfg.HKUpdateTime},
	}
	for _, job := range jobs {
		market := job.market
		if _, err := s.Every(1).Day().At(job.at).Do(func() {
			runMarket(r, cal, market)
		}); err != nil {
			return nil, err
		}
		log.Printf("[SCHEDULER] %s update scheduled daily at %s UTC", market, job.at)
	}

	s.StartAsync()
	return s, nil
}

func runMarket(r *runner.Runner, cal calendar.Calendar, market models.Market) {
	now := time.Now()
	if !cal.IsTradingDay(market, now) {
		log.Printf("[SCHEDULER] %s: not a trading day, skipping", market)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Hour)
	defer cancel()

	if _, err := r.Run(ctx, market); err != nil {
		if errors.Is(err, runlock.ErrRunConflict) {
			log.Printf("[SCHEDULER] %s: skipped, %v", market, err)
			return
		}
		log.Printf("[SCHEDULER] %s run failed: %v", market, err)
	}
}
