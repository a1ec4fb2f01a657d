package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arzhang/goftar/internal/config"
	"github.com/arzhang/goftar/internal/importer"
	"github.com/arzhang/goftar/internal/intake"
	"github.com/arzhang/goftar/internal/jobs"
	"github.com/arzhang/goftar/internal/media"
	"github.com/arzhang/goftar/internal/persistence"
	"github.com/arzhang/goftar/internal/pipeline"
	"github.com/arzhang/goftar/internal/reaper"
	"github.com/arzhang/goftar/internal/runner"
	"github.com/arzhang/goftar/internal/scheduler"
	"github.com/arzhang/goftar/internal/segment"
	"github.com/arzhang/goftar/internal/stt"
	"github.com/arzhang/goftar/internal/summarize"
	"github.com/arzhang/goftar/pkg/executor"
	"github.com/arzhang/goftar/pkg/icron"
	"github.com/arzhang/goftar/pkg/log"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type app struct {
	cfg       *config.Config
	store     *persistence.SQLiteStore
	runner    *runner.Runner
	scheduler *scheduler.Scheduler
	reaper    *reaper.Reaper
	importer  *importer.Importer
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	a, err := buildApp(cfg)
	if err != nil {
		log.Fatal("Startup failed: %v", err)
	}
	defer a.store.Close()

	if len(os.Args) > 1 && os.Args[1] == "import" {
		if err := a.runImport(os.Args[2:]); err != nil {
			log.Fatal("Import failed: %v", err)
		}
		return
	}

	if err := a.runDaemon(); err != nil {
		log.Fatal("Daemon failed: %v", err)
	}
}

func buildApp(cfg *config.Config) (*app, error) {
	store, err := persistence.NewSQLiteStore(filepath.Join(cfg.System.DataDir, "goftar.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := os.MkdirAll(cfg.System.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	exec := executor.New()
	ff := media.NewFFmpeg(exec)
	seg := segment.New(ff, cfg.Segment)
	registry := stt.NewRegistry(cfg.Vendors)
	summarizer := summarize.New(cfg.LLM)

	run := runner.New(cfg.System.WorkerCount)
	pipe := pipeline.New(store, ff, seg, registry, summarizer, cfg.System.WorkDir)
	sched := scheduler.New(store, run, pipe)

	return &app{
		cfg:       cfg,
		store:     store,
		runner:    run,
		scheduler: sched,
		reaper: reaper.New(store, run, sched),
		// The import command exits right after queueing, so it creates
		// pending jobs without dispatching; the daemon's sweep picks them up.
		importer: importer.New(store, run, importer.NewYtDlpDiscoverer(exec), nil),
	}, nil
}

func (a *app) runDaemon() error {
	a.runner.Start()
	defer a.runner.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Jobs left in processing by a previous run have dead handles; requeue
	// them before anything else is dispatched.
	if err := a.reaper.Sweep(ctx); err != nil {
		log.Warn("Startup recovery sweep failed: %v", err)
	}
	if err := a.scheduler.SweepPending(ctx); err != nil {
		log.Warn("Startup dispatch sweep failed: %v", err)
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(a.cfg.Scheduler.SweepExpr, func() {
		if err := a.scheduler.SweepPending(ctx); err != nil {
			log.Error("Pending sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule pending sweep: %w", err)
	}
	if _, err := c.AddFunc(a.cfg.Scheduler.ReaperExpr, func() {
		if err := a.reaper.Sweep(ctx); err != nil {
			log.Error("Reaper sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper sweep: %w", err)
	}
	logSchedule("pending sweep", a.cfg.Scheduler.SweepExpr)
	logSchedule("reaper sweep", a.cfg.Scheduler.ReaperExpr)
	c.Start()
	defer c.Stop()

	if a.cfg.System.IntakeDir != "" {
		vendor, err := jobs.ParseVendor(a.cfg.System.IntakeVendor)
		if err != nil {
			return fmt.Errorf("intake vendor: %w", err)
		}
		if err := os.MkdirAll(a.cfg.System.IntakeDir, 0o755); err != nil {
			return fmt.Errorf("create intake directory: %w", err)
		}
		watcher := intake.NewWatcher(a.cfg.System.IntakeDir, a.cfg.System.IntakeUser, vendor, a.store, a.scheduler)
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start intake watcher: %w", err)
		}
		defer watcher.Stop()
	}

	log.Info("goftar is running (%d workers)", a.cfg.System.WorkerCount)
	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

func logSchedule(name string, expr string) {
	info, err := icron.GetTriggerInfo(expr, time.Now())
	if err != nil {
		log.Warn("Could not inspect %s schedule %q: %v", name, expr, err)
		return
	}
	log.Info("Scheduled %s (%s), next run in %s", name, info.Expression, info.TimeUntilNext.Round(time.Second))
}

// runImport resolves a link, lists what it found and queues everything for
// the given user. Usage: goftar import <user> <vendor> <url>
func (a *app) runImport(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: goftar import <user> <vendor> <url>")
	}
	userID, vendorArg, sourceURL := args[0], args[1], args[2]
	vendor, err := jobs.ParseVendor(vendorArg)
	if err != nil {
		return err
	}

	a.runner.Start()
	defer a.runner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	batch, err := a.importer.StartBatch(ctx, userID, sourceURL)
	if err != nil {
		return err
	}
	log.Info("Discovering media behind %s", sourceURL)

	for {
		current, err := a.store.GetBatch(ctx, batch.ID)
		if err != nil {
			return err
		}
		if current.Status == jobs.BatchFailed {
			return fmt.Errorf("discovery failed: %s", current.ErrorMessage)
		}
		if current.Status == jobs.BatchReady {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	items, err := a.store.ListItems(ctx, batch.ID)
	if err != nil {
		return err
	}
	itemIDs := make([]string, 0, len(items))
	for _, item := range items {
		log.Info("Found: %s (%s)", item.Title, item.URL)
		itemIDs = append(itemIDs, item.ID)
	}

	created, err := a.importer.SelectItems(ctx, batch.ID, itemIDs, vendor)
	if err != nil {
		return err
	}
	log.Info("Queued %d jobs for user %s", len(created), userID)
	return nil
}
