// Command worker runs the asynchronous document indexing pipeline: it
// drains IndexJob messages off the job queue and runs each one through
// C8's parse/chunk/embed/merge lifecycle.
package main

import (
	"context"
	stdlog "log"
	"log/slog"
	"os/signal"
	"syscall"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	"github.com/yanqian/kbrag/internal/infra/config"
	"github.com/yanqian/kbrag/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}
	log := logger.New("kbrag-worker")

	app, err := initializeWorker(cfg, log)
	if err != nil {
		log.Error("failed to wire worker", "error", err)
		stdlog.Fatalf("failed to wire worker: %v", err)
	}

	log.Info("indexing worker starting")
	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight jobs")
	if stopper, ok := app.queue.(interface{ Stop() }); ok {
		stopper.Stop()
	}
}

// workerApp holds the wired components of the worker binary.
type workerApp struct {
	queue rag.HandlerQueue
}

// initializeWorker hand-wires the worker's dependency graph from config, in
// the manner of the teacher's providers.go but without google/wire: the
// worker binary is simple enough that explicit construction reads clearer
// than a generated injector.
func initializeWorker(cfg *config.Config, log *slog.Logger) (*workerApp, error) {
	pool := providePostgresPool(cfg, log)
	kbs := provideKBRepository(pool)
	documents := provideDocumentRepository(pool)
	objects := provideObjectStore(cfg, log)
	modelClient, err := provideModelClient(cfg, log)
	if err != nil {
		return nil, err
	}
	indexLock := provideLock(cfg, log)
	jobQueue := provideQueue(cfg, log)

	coordinator := rag.NewCoordinator(kbs, objects, indexLock, provideIndexFactory(), log)
	worker := rag.NewWorker(documents, kbs, objects, provideParser(), provideChunker(cfg), modelClient.AsEmbedder(), coordinator, log)
	worker.SetVectorSink(provideVectorSink(pool))

	jobQueue.SetHandler(worker.HandleJob)

	return &workerApp{queue: jobQueue}, nil
}
