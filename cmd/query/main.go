// Command query runs the synchronous RAG query engine. It reads
// newline-delimited JSON query requests from stdin and writes the
// corresponding JSON responses to stdout, one per line; the HTTP/webhook
// transport that would front this in production is out of scope (spec.md
// §1) and is expected to shell out to this process or link the engine
// directly.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	stdlog "log"
	"log/slog"
	"os"

	"github.com/google/uuid"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	"github.com/yanqian/kbrag/internal/infra/config"
	"github.com/yanqian/kbrag/internal/infra/rag/lock"
	"github.com/yanqian/kbrag/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}
	log := logger.New("kbrag-query")

	engine, err := initializeEngine(cfg, log)
	if err != nil {
		stdlog.Fatalf("failed to wire query engine: %v", err)
	}

	log.Info("query engine ready, reading requests from stdin")
	serve(context.Background(), engine, cfg, log)
}

// wireRequest is the stdin line shape; ModelID/K/Params/History/
// DistanceThreshold mirror rag.QueryRequest but default missing fields from
// cfg.Query so a minimal request body still works.
type wireRequest struct {
	KBID              uuid.UUID         `json:"kbId"`
	OwnerID           string            `json:"ownerId"`
	Query             string            `json:"query"`
	ModelID           string            `json:"modelId"`
	K                 int               `json:"k"`
	History           []rag.HistoryTurn `json:"history"`
	Temperature       *float32          `json:"temperature"`
	MaxTokens         *int              `json:"maxTokens"`
	TopP              *float32          `json:"topP"`
	DistanceThreshold *float64          `json:"distanceThreshold"`
}

func serve(ctx context.Context, engine *rag.Engine, cfg *config.Config, log *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	encoder := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wire wireRequest
		if err := json.Unmarshal(line, &wire); err != nil {
			encoder.Encode(map[string]string{"error": "invalid request: " + err.Error()})
			continue
		}
		req := toQueryRequest(wire, cfg)
		resp, err := engine.Ask(ctx, req)
		if err != nil {
			log.Error("query failed", "error", err, "kb_id", wire.KBID)
			encoder.Encode(map[string]string{"error": err.Error()})
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			log.Error("failed to encode response", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("stdin read failed", "error", err)
	}
}

func toQueryRequest(w wireRequest, cfg *config.Config) rag.QueryRequest {
	req := rag.QueryRequest{
		KBID:    w.KBID,
		OwnerID: w.OwnerID,
		Query:   w.Query,
		ModelID: w.ModelID,
		K:       w.K,
		History: w.History,
		Params: rag.GenerationParams{
			Temperature: cfg.Query.DefaultTemperature,
			MaxTokens:   cfg.Query.DefaultMaxTokens,
			TopP:        cfg.Query.DefaultTopP,
		},
	}
	if w.Temperature != nil {
		req.Params.Temperature = *w.Temperature
	}
	if w.MaxTokens != nil {
		req.Params.MaxTokens = *w.MaxTokens
	}
	if w.TopP != nil {
		req.Params.TopP = *w.TopP
	}
	if w.DistanceThreshold != nil {
		req.DistanceThreshold = w.DistanceThreshold
	} else if cfg.Query.DefaultDistanceThreshold > 0 {
		threshold := cfg.Query.DefaultDistanceThreshold
		req.DistanceThreshold = &threshold
	}
	if req.K <= 0 {
		req.K = cfg.Query.DefaultK
	}
	return req
}

// initializeEngine hand-wires the query engine's dependency graph from
// config, mirroring cmd/worker's construction style.
func initializeEngine(cfg *config.Config, log *slog.Logger) (*rag.Engine, error) {
	pool := providePostgresPool(cfg, log)
	kbs := provideKBRepository(pool)
	queryLogs := provideQueryLogRepository(pool)
	objects := provideObjectStore(cfg, log)
	modelClient, err := provideModelClient(cfg, log)
	if err != nil {
		return nil, err
	}
	indexLock := provideIndexLock(cfg, log)

	coordinator := rag.NewCoordinator(kbs, objects, indexLock, provideIndexFactory(), log)
	return rag.NewEngine(kbs, coordinator, objects, modelClient.AsEmbedder(), modelClient.AsGenerator(), queryLogs, log), nil
}

func provideIndexLock(cfg *config.Config, log *slog.Logger) rag.AdvisoryLock {
	client := provideValkeyClient(cfg.Lock.Redis, log, "lock")
	if client == nil {
		return nil
	}
	return lock.NewValkeyLock(client, cfg.Lock.KeyPrefix)
}
