package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"stock_warehouse/config"
	"stock_warehouse/controllers"
	"stock_warehouse/models"
	"stock_warehouse/routes"
	"stock_warehouse/scheduler"
	"stock_warehouse/services/audit"
	"stock_warehouse/services/backends"
	"stock_warehouse/services/calendar"
	"stock_warehouse/services/datafetcher"
	"stock_warehouse/services/notifier"
	"stock_warehouse/services/runner"
	"stock_warehouse/services/staleness"
	"stock_warehouse/services/syncer"
	"stock_warehouse/services/updater"
	"stock_warehouse/services/warehouse"
)

func main() {
	fmt.Println("==========================================")
	fmt.Println("  Global Stock Warehouse")
	fmt.Println("==========================================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
	}
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatalf("Failed to open warehouse database: %v", err)
	}
	if err := models.MigrateWarehouseModels(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	cal, err := calendar.NewMarketCalendar()
	if err != nil {
		log.Fatalf("Failed to load market calendars: %v", err)
	}
	store := warehouse.NewStore(db)
	r := buildRunner(cfg, store, cal)

	// One-shot mode: `stock_warehouse run [tw|us|hk]` updates the given
	// markets (or all of them) and exits, for cron-style deployments.
	if len(os.Args) > 1 && os.Args[1] == "run" {
		os.Exit(runOnce(r, os.Args[2:]))
	}

	sched, err := scheduler.Start(cfg, r, cal)
	if err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	wc := controllers.NewWarehouseController(cfg, store, r)
	routes.SetupRoutes(router, cfg, wc)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Printf("Operator API listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	gracefulShutdown(srv, sched)
}

func buildRunner(cfg *config.Config, store *warehouse.Store, cal calendar.Calendar) *runner.Runner {
	fetcher := datafetcher.NewChartFetcher(
		time.Duration(cfg.FetchDelayMinMS)*time.Millisecond,
		time.Duration(cfg.FetchDelayMaxMS)*time.Millisecond,
	)
	orchestrator := updater.NewOrchestrator(store, fetcher, datafetcher.NewHTTPSymbolLister(),
		staleness.NewPolicy(cal), updater.Options{
			Concurrency:      cfg.FetchConcurrency,
			MaxRetries:       cfg.MaxRetries,
			FullHistoryStart: cfg.FullHistoryStart,
		})

	var targets []backends.RemoteBackend
	if cfg.StorageURL != "" && cfg.StorageAPIKey != "" {
		targets = append(targets, backends.NewSupabaseStorage(cfg.StorageURL, cfg.StorageAPIKey, cfg.StorageBucket))
	}
	if cfg.RepoOwner != "" && cfg.RepoName != "" && cfg.RepoToken != "" {
		targets = append(targets, backends.NewGitHubRepo(cfg.RepoOwner, cfg.RepoName, cfg.RepoBranch, cfg.RepoToken))
	}
	if len(targets) == 0 {
		log.Println("Warning: no remote backends configured, running local-only")
	}

	var sink syncer.AuditSink = audit.LogSink{}
	if cfg.MongoURI != "" {
		mongoSink, err := audit.NewMongoSink(context.Background(), cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Printf("Warning: conflict archive unavailable, falling back to log: %v", err)
		} else {
			sink = mongoSink
		}
	}
	reconciler := syncer.NewReconciler(store, sink, cfg.MaxRetries)

	notify := notifier.New(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.ResendAPIKey, cfg.ReportEmailTo)
	return runner.New(store, orchestrator, reconciler, targets, notify, cfg.LockFilePath)
}

func runOnce(r *runner.Runner, args []string) int {
	markets := models.AllMarkets
	if len(args) > 0 {
		markets = markets[:0]
		for _, arg := range args {
			market, err := models.ParseMarket(arg)
			if err != nil {
				log.Printf("%v", err)
				return 2
			}
			markets = append(markets, market)
		}
	}

	code := 0
	for _, market := range markets {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Hour)
		summary, err := r.Run(ctx, market)
		cancel()
		if err != nil {
			log.Printf("%s run failed: %v", market, err)
			code = 1
			continue
		}
		if summary.Update != nil && summary.Update.Failed > 0 {
			code = 1
		}
	}
	return code
}

func gracefulShutdown(srv *http.Server, sched interface{ Stop() }) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
}
