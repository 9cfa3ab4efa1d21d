package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/valkey-io/valkey-go"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	"github.com/yanqian/kbrag/internal/infra/config"
	"github.com/yanqian/kbrag/internal/infra/rag/lock"
	"github.com/yanqian/kbrag/internal/infra/rag/metastore"
	"github.com/yanqian/kbrag/internal/infra/rag/modelclient"
	"github.com/yanqian/kbrag/internal/infra/rag/objectstore"
	"github.com/yanqian/kbrag/internal/infra/rag/parser"
	"github.com/yanqian/kbrag/internal/infra/rag/queue"
	"github.com/yanqian/kbrag/internal/infra/rag/vectorindex"
)

// providePostgresPool dials the metadata store, falling back to nil (the
// caller then wires in-memory stores) the same way the teacher's
// uploadPostgresPool degrades when no DSN is configured.
func providePostgresPool(cfg *config.Config, logger *slog.Logger) *pgxpool.Pool {
	dsn := strings.TrimSpace(cfg.Postgres.DSN)
	if dsn == "" {
		logger.Info("postgres dsn not set, using memory metadata stores")
		return nil
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Error("invalid postgres dsn, using memory metadata stores", "error", err)
		return nil
	}
	if cfg.Postgres.MaxConns > 0 {
		poolConfig.MaxConns = cfg.Postgres.MaxConns
	}
	if cfg.Postgres.MinConns > 0 {
		poolConfig.MinConns = cfg.Postgres.MinConns
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("failed to initialize postgres pool, using memory metadata stores", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres ping failed, using memory metadata stores", "error", err)
		pool.Close()
		return nil
	}
	logger.Info("postgres metadata store enabled")
	return pool
}

func provideKBRepository(pool *pgxpool.Pool) rag.KBRepository {
	if pool == nil {
		return metastore.NewMemoryKBStore()
	}
	return metastore.NewKBStore(pool)
}

func provideDocumentRepository(pool *pgxpool.Pool) rag.DocumentRepository {
	if pool == nil {
		return metastore.NewMemoryDocumentStore()
	}
	return metastore.NewDocumentStore(pool)
}

func provideObjectStore(cfg *config.Config, logger *slog.Logger) rag.ObjectStore {
	endpoint := strings.TrimSpace(cfg.ObjectStore.Endpoint)
	accessKey := strings.TrimSpace(cfg.ObjectStore.AccessKey)
	secretKey := strings.TrimSpace(cfg.ObjectStore.SecretKey)
	if endpoint == "" || accessKey == "" || secretKey == "" {
		logger.Info("object store not fully configured, using memory store")
		return objectstore.NewMemoryStore()
	}
	store, err := objectstore.New(endpoint, accessKey, secretKey, cfg.ObjectStore.Bucket, cfg.ObjectStore.Region, logger)
	if err != nil {
		logger.Error("failed to initialize object store, using memory store", "error", err)
		return objectstore.NewMemoryStore()
	}
	logger.Info("minio object store enabled", "endpoint", endpoint, "bucket", cfg.ObjectStore.Bucket)
	return store
}

func provideModelClient(cfg *config.Config, logger *slog.Logger) (*modelclient.Client, error) {
	client, err := modelclient.New(cfg.Model.APIKey, cfg.Model.BaseURL)
	if err != nil {
		return nil, err
	}
	client.SetLogger(logger)
	return client, nil
}

func provideValkeyClient(redis config.RedisConfig, logger *slog.Logger, purpose string) valkey.Client {
	if !redis.Enabled {
		return nil
	}
	addr := strings.TrimSpace(redis.Addr)
	var opt valkey.ClientOption
	var err error
	if strings.Contains(addr, "://") {
		opt, err = valkey.ParseURL(addr)
	} else {
		opt = valkey.ClientOption{InitAddress: []string{addr}}
	}
	if err != nil {
		logger.Error("invalid valkey configuration, disabling component", "error", err, "purpose", purpose)
		return nil
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		logger.Error("failed to create valkey client, disabling component", "error", err, "purpose", purpose)
		return nil
	}
	logger.Info("valkey client enabled", "addr", addr, "purpose", purpose)
	return client
}

func provideQueue(cfg *config.Config, logger *slog.Logger) rag.HandlerQueue {
	client := provideValkeyClient(cfg.Queue.Redis, logger, "queue")
	if client == nil {
		return queue.NewImmediateQueue(logger)
	}
	return queue.NewValkeyQueue(client, cfg.Queue.QueueKey, logger)
}

func provideLock(cfg *config.Config, logger *slog.Logger) rag.AdvisoryLock {
	client := provideValkeyClient(cfg.Lock.Redis, logger, "lock")
	if client == nil {
		return nil
	}
	return lock.NewValkeyLock(client, cfg.Lock.KeyPrefix)
}

func provideIndexFactory() rag.IndexFactory {
	return func(dimension int) rag.VectorIndex {
		return vectorindex.New(dimension)
	}
}

func provideParser() rag.Parser {
	return parser.New()
}

func provideChunker(cfg *config.Config) rag.Chunker {
	return rag.NewRecursiveChunker(cfg.Chunking.TargetTokens, cfg.Chunking.OverlapTokens)
}

// provideVectorSink wires the optional pgvector debug mirror only when a
// real Postgres pool is available; a nil return leaves the worker skipping
// the mirror entirely.
func provideVectorSink(pool *pgxpool.Pool) rag.ChunkVectorSink {
	if pool == nil {
		return nil
	}
	return metastore.NewChunkVectorDebugStore(pool)
}
