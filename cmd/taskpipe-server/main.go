package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nimbusworks/taskpipe/internal/api"
	"github.com/nimbusworks/taskpipe/internal/config"
	"github.com/nimbusworks/taskpipe/internal/dao"
	"github.com/nimbusworks/taskpipe/internal/gateway"
	"github.com/nimbusworks/taskpipe/internal/intake"
	"github.com/nimbusworks/taskpipe/internal/logging"
	"github.com/nimbusworks/taskpipe/internal/metrics"
	"github.com/nimbusworks/taskpipe/internal/migrate"
	"github.com/nimbusworks/taskpipe/internal/pipeline"
	"github.com/nimbusworks/taskpipe/internal/queue"
)

var (
	Version = "v0.1.0"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	migrateFlag := flag.Bool("migrate", true, "run SQL migrations on startup")
	migrationsDir := flag.String("migrations", "migrations", "directory containing *.sql migration files")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logging.Init(cfg.Logging); err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logging.Sync()

	ctx := context.Background()

	gdb, err := dao.OpenMySQL(cfg.MySQL)
	if err != nil {
		logging.Fatal(ctx, "open mysql: "+err.Error())
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		logging.Fatal(ctx, "unwrap sql db: "+err.Error())
	}
	defer sqlDB.Close()

	if err := dao.Ping(gdb, 5, 2*time.Second); err != nil {
		logging.Fatal(ctx, "ping mysql: "+err.Error())
	}

	if *migrateFlag {
		abs, _ := filepath.Abs(*migrationsDir)
		if err := migrate.Run(ctx, sqlDB, abs); err != nil {
			logging.Fatal(ctx, "migrations failed: "+err.Error())
		}
		logging.Infof(ctx, "migrations applied from %s", abs)
	}

	redisClient, err := queue.NewRedisClient(cfg.Redis)
	if err != nil {
		logging.Fatal(ctx, "redis: "+err.Error())
	}
	defer redisClient.Close()

	jobQueue := queue.NewRedisQueue(redisClient, cfg.Queue)
	keyLease := queue.NewRedisLease(redisClient, cfg.Queue.KeyPrefix)

	mets := metrics.New(cfg.Metrics)

	var publisher gateway.RepoPublisher
	if cfg.GitHub.Token != "" {
		publisher = gateway.NewGitHubPublisher(cfg.GitHub)
	} else {
		logging.Warn(ctx, "no github token configured; repo hosting steps will be skipped")
	}
	notifier := gateway.NewHTTPNotifier(cfg.Evaluator)

	subDao := dao.NewSubmissionDao(gdb)
	exec := pipeline.NewExecutor(cfg.Pipeline, subDao, jobQueue, keyLease, publisher, notifier, mets)
	intakeSvc := intake.NewService(cfg.Intake, subDao, jobQueue, mets)

	if err := jobQueue.Start(ctx); err != nil {
		logging.Fatal(ctx, "start queue: "+err.Error())
	}
	if err := exec.Start(ctx); err != nil {
		logging.Fatal(ctx, "start executor: "+err.Error())
	}
	if err := mets.Start(ctx); err != nil {
		logging.Fatal(ctx, "start metrics: "+err.Error())
	}

	router := api.NewRouter(api.Dependencies{
		Intake:  intakeSvc,
		Lister:  subDao,
		Version: Version,
	})

	srv := &http.Server{Addr: cfg.Server.Address(), Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Infof(ctx, "taskpipe server listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server error: "+err.Error())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info(ctx, "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf(ctx, "graceful shutdown failed: %v", err)
	}
	_ = exec.Stop(shutdownCtx)
	_ = jobQueue.Stop(shutdownCtx)
	_ = mets.Stop(shutdownCtx)
	logging.Info(ctx, "server exited")
}
