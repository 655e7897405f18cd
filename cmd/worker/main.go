// Package main runs the onboarding pipeline: queue consumers, change-triggered
// schedulers and the admin HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/onboarding-workflow/internal/api"
	"github.com/onboarding-workflow/internal/config"
	"github.com/onboarding-workflow/internal/gateway"
	"github.com/onboarding-workflow/internal/gosh"
	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/metrics"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/retry"
	"github.com/onboarding-workflow/internal/scheduler"
	"github.com/onboarding-workflow/internal/service"
	"github.com/onboarding-workflow/internal/storage"
	"github.com/onboarding-workflow/internal/upload"
	"github.com/onboarding-workflow/internal/worker"
)

const connectAttempts = 5

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(logging.ParseLevel(cfg.Logging.Level), logging.ParseFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Onboarding worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Worker stopped with error")
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	prom, err := metrics.NewProm("onboarding", prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	logger.Info("Connecting to databases...")

	// Databases started alongside the worker may still be coming up.
	connectCtx := logging.WithLogger(ctx, logger)
	connectBackoff := retry.Exponential(time.Second, 10*time.Second, 2)

	var postgres *storage.PostgresDB
	err = retry.WithBackoff(connectCtx, connectAttempts, connectBackoff, func(ctx context.Context, attempt int) error {
		postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres)
		return err
	})
	if err != nil {
		return err
	}
	defer postgres.Close()

	var redisClient *storage.RedisClient
	err = retry.WithBackoff(connectCtx, connectAttempts, connectBackoff, func(ctx context.Context, attempt int) error {
		redisClient, err = storage.NewRedisClient(&cfg.Database.Redis)
		return err
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// The audit trail is optional.
	var (
		sink   queue.EventSink
		events api.EventLister
	)
	if cfg.Database.ClickHouse.Host != "" {
		var clickhouse *storage.ClickHouseDB
		err = retry.WithBackoff(connectCtx, connectAttempts, connectBackoff, func(ctx context.Context, attempt int) error {
			clickhouse, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse)
			return err
		})
		if err != nil {
			return err
		}
		defer clickhouse.Close()
		jobEvents := storage.NewJobEventRepository(clickhouse)
		sink, events = jobEvents, jobEvents
	} else {
		logger.Info("ClickHouse not configured, job events are not recorded")
	}

	logger.Info("Database connections established")

	bots := storage.NewDaoBotRepository(postgres)
	records := storage.NewGithubRepository(postgres)

	q, err := queue.New(redisClient.Client(), queue.Config{
		KeyPrefix:       cfg.Queue.KeyPrefix,
		DefaultBackoff:  retry.Fixed(cfg.Queue.BackoffDelay),
		LockTTL:         cfg.Queue.LockTTL,
		StalledInterval: cfg.Queue.StalledInterval,
		ResultTTL:       cfg.Queue.ResultTTL,
		Metrics:         prom,
		Sink:            sink,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	runner := gateway.NewExecRunner()
	cli, err := gateway.NewCLI(runner, gateway.Options{
		Binary:        cfg.Gosh.CLIPath,
		Endpoints:     cfg.Gosh.Endpoints,
		Timeout:       cfg.Gosh.CLITimeout,
		RatePerSecond: cfg.Gosh.CLIRatePerSecond,
		KeyDir:        cfg.Upload.ScratchDir,
		Metrics:       prom,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	chain, err := gosh.NewClient(cli, cfg.Gosh.SystemContractAddr, cfg.Gosh.ABI, logger)
	if err != nil {
		return err
	}

	pusher, err := upload.NewPusher(runner, upload.PusherConfig{
		ScriptPath: cfg.Upload.ScriptPath,
		ScriptDir:  cfg.Upload.ScriptDir,
		ScratchDir: cfg.Upload.ScratchDir,
		Endpoints:  cfg.Gosh.Endpoints,
	}, logger)
	if err != nil {
		return err
	}

	backoff := retry.Fixed(cfg.Queue.BackoffDelay)
	provisioner, err := service.NewProvisioner(bots, records, chain, q, pusher, service.Config{
		CheckAccountRetries:      cfg.Queue.CheckAccountRetries,
		CheckWalletAccessRetries: cfg.Queue.CheckWalletAccessRetries,
		StageRetries:             cfg.Queue.StageRetries,
		Backoff:                  &backoff,
		CountObjects:             cfg.Upload.CountObjects,
		GitBaseURL:               cfg.Upload.GitBaseURL,
		RepoDeployTimeout:        cfg.Gosh.RepoDeployTimeout,
	}, logger)
	if err != nil {
		return err
	}

	deps := worker.Deps{
		Prober:  chain,
		Stages:  provisioner,
		Records: records,
		Queue:   cfg.Queue,
		ObjectCount: worker.ObjectCountConfig{
			GitBaseURL: cfg.Upload.GitBaseURL,
			Thresholds: upload.Thresholds{
				Small:  cfg.Upload.SmallThreshold,
				Medium: cfg.Upload.MediumThreshold,
			},
		},
		Logger: logger,
	}
	if cfg.Upload.CountObjects {
		deps.Counter = upload.NewObjectCounter(runner, cfg.Upload.ScratchDir, logger)
	}

	g, gCtx := errgroup.WithContext(ctx)

	workers, err := worker.Register(gCtx, q, deps)
	if err != nil {
		return err
	}
	logger.WithField("queues", workers.Queues()).Info("Queue consumers started")

	botInit, err := scheduler.New(scheduler.NameBotInit,
		scheduler.NewBotInitReconciler(bots, q, cfg.Queue.StageRetries, logger),
		scheduler.Options{Resync: cfg.Scheduler.ResyncInterval, Metrics: prom, Logger: logger})
	if err != nil {
		return err
	}
	linker, err := scheduler.NewGithubLinkReconciler(scheduler.GithubLinkConfig{
		Records: records,
		Bots:    bots,
		Keys:    cli,
		Repos:   provisioner,
		Queue:   q,
		Retries: cfg.Queue.StageRetries,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	githubLink, err := scheduler.New(scheduler.NameGithubLink, linker,
		scheduler.Options{Resync: cfg.Scheduler.ResyncInterval, Metrics: prom, Logger: logger})
	if err != nil {
		return err
	}

	feed := storage.NewChangeFeed(cfg.Database.Postgres.URL(), logger)
	feed.Subscribe(storage.ChannelDaoBotChanges, botInit.Fire)
	feed.Subscribe(storage.ChannelGithubChanges, githubLink.Fire)

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
	server, err := api.NewServer(serverConfig, api.Deps{
		Queue:      q,
		Events:     events,
		Queues:     workers.Queues(),
		Schedulers: []api.Scheduler{botInit, githubLink},
		Metrics:    metrics.Handler(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g.Go(func() error { return botInit.Run(gCtx) })
	g.Go(func() error { return githubLink.Run(gCtx) })
	g.Go(func() error { return feed.Run(gCtx) })
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// gCtx is done by now; consumers release their in-flight jobs.
	logger.Info("Waiting for queue consumers to stop...")
	workers.Wait()
	return err
}
