// whisperqd runs the transcription core: it recovers interrupted jobs,
// executes queued work against the external transcriber and enforces
// retention. Submission and status surfaces live in the embedding API
// process; in broker deployments any producer on the shared queue feeds it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisperq/whisperq/internal/cleanup"
	"github.com/whisperq/whisperq/internal/concurrency"
	"github.com/whisperq/whisperq/internal/config"
	"github.com/whisperq/whisperq/internal/job"
	"github.com/whisperq/whisperq/internal/logging"
	"github.com/whisperq/whisperq/internal/notify"
	"github.com/whisperq/whisperq/internal/orchestrator"
	"github.com/whisperq/whisperq/internal/queue"
	"github.com/whisperq/whisperq/internal/storage"
	"github.com/whisperq/whisperq/internal/transcribe"
	"github.com/whisperq/whisperq/internal/worker"
)

// stopGrace bounds how long shutdown waits for running transcriptions;
// anything still going after that is requeued and recovered on restart.
const stopGrace = 10 * time.Second

func main() {
	confPath := flag.String("conf", "", "config file (default: search ., /etc/whisperq, $HOME/.whisperq)")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logging.New(cfg.Log)

	store, err := job.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		log.WithError(err).Fatal("open job store")
	}
	defer store.Close()

	artifacts, err := storage.New(cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("open artifact storage")
	}

	q, err := queue.New(cfg.Queue, log)
	if err != nil {
		log.WithError(err).Fatal("open queue")
	}

	runner := transcribe.NewCommandRunner(cfg.Worker.Transcriber, log)
	if err := transcribe.Preflight(cfg.Worker.Transcriber); err != nil {
		// Every job would fail right now. Say so loudly but stay up, so the
		// environment can be fixed without bouncing the daemon.
		log.WithError(err).Warn("transcriber preflight failed")
	}

	notifier := notify.New(log)
	limiter := concurrency.NewLimiter(cfg.Worker.Concurrency)
	engine := worker.New(worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		Timeout:     cfg.Worker.Timeout,
		MaxAttempts: cfg.Queue.MaxAttempts,
		WorkDir:     cfg.Worker.Transcriber.WorkDir,
	}, store, q, limiter, notifier, artifacts, runner, log)
	sweeper := cleanup.New(cfg.Cleanup, store, artifacts, log)

	orch := orchestrator.New(store, q, engine, sweeper, notifier, artifacts, limiter,
		cfg.Queue.MaxAttempts, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		log.WithError(err).Fatal("start orchestrator")
	}
	log.WithFields(logrus.Fields{
		"queue":       cfg.Queue.Backend,
		"storage":     cfg.Storage.Provider,
		"concurrency": cfg.Worker.Concurrency,
	}).Info("whisperqd running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopGrace)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete, interrupted jobs recover on next start")
	}
}
