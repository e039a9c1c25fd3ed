package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/evchat/internal/agent"
	"github.com/nugget/evchat/internal/buildinfo"
	"github.com/nugget/evchat/internal/charging"
	"github.com/nugget/evchat/internal/config"
	"github.com/nugget/evchat/internal/database"
	"github.com/nugget/evchat/internal/embeddings"
	"github.com/nugget/evchat/internal/history"
	"github.com/nugget/evchat/internal/httpkit"
	"github.com/nugget/evchat/internal/knowledge"
	"github.com/nugget/evchat/internal/llm"
	"github.com/nugget/evchat/internal/tools"
	"github.com/nugget/evchat/internal/usage"
)

type reservationNotifier = charging.ReservationNotifier

// app holds the components shared by serve and ask.
type app struct {
	db        *sql.DB
	history   history.Store
	usage     *usage.Store
	charging  *charging.Service
	tools     *tools.Registry
	llm       llm.Client
	openai    *openai.Client // nil without an API key
	knowledge *knowledgeBase // nil when disabled
	loop      *agent.Loop
}

// knowledgeBase is the opened vector store and its embedder.
type knowledgeBase struct {
	db       *sql.DB
	store    *knowledge.Store
	embedder embeddings.Embedder
}

// Close releases the databases.
func (a *app) Close() {
	if a.knowledge != nil {
		a.knowledge.db.Close()
	}
	a.db.Close()
}

// buildApp opens the database and wires the agent loop with every
// configured tool. notifier may be nil.
func buildApp(ctx context.Context, cfg *config.Config, notifier reservationNotifier, logger *slog.Logger) (*app, error) {
	db, store, err := openHistory(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{db: db, history: store}

	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	if cfg.Database.CreateSchema {
		if err := charging.EnsureSchema(ctx, db); err != nil {
			return fail(fmt.Errorf("create charging schema: %w", err))
		}
	}
	a.usage, err = usage.NewStore(db)
	if err != nil {
		return fail(fmt.Errorf("usage ledger: %w", err))
	}
	a.charging, err = charging.NewService(ctx, db, notifier, logger)
	if err != nil {
		return fail(fmt.Errorf("charging service: %w", err))
	}

	if cfg.OpenAI.Configured() {
		a.openai = llm.NewOpenAISDK(openAIConfig(cfg))
	}
	a.llm, err = createLLMClient(cfg, logger)
	if err != nil {
		return fail(err)
	}

	a.tools = tools.NewRegistry(cfg.Tools.Timeout, logger)
	charging.RegisterTools(a.tools, a.charging)

	if cfg.Knowledge.Enabled {
		kb, err := openKnowledge(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		a.knowledge = kb
		retriever := knowledge.NewRetriever(kb.store, kb.embedder, a.llm, cfg.Knowledge.AnswerModel, cfg.Knowledge.TopK, logger)
		knowledge.RegisterTool(a.tools, retriever)
		logger.Info("knowledge base enabled", "path", cfg.KnowledgePath(), "embedder", cfg.Knowledge.Embedder)
	}

	a.loop = agent.NewLoop(a.llm, a.history, a.tools, a.charging, agent.Config{
		Model:           cfg.Models.Default,
		ContextMessages: cfg.History.ContextMessages,
		Parallel:        cfg.Tools.Parallel,
	}, logger)

	logger.Info("agent ready", "model", cfg.Models.Default, "tools", len(a.tools.Names()))
	return a, nil
}

// openHistory opens the main database and the conversation store in it.
func openHistory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, *history.SQLStore, error) {
	db, err := database.Open(ctx, cfg.Database.Driver, cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	store, err := history.NewSQLStore(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("history store: %w", err)
	}
	return db, store, nil
}

// openKnowledge opens the vector store and the configured embedder.
func openKnowledge(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*knowledgeBase, error) {
	embedder, err := createEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.KnowledgePath())
	if err != nil {
		return nil, err
	}
	store, err := knowledge.NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge store: %w", err)
	}
	return &knowledgeBase{db: db, store: store, embedder: embedder}, nil
}

func openAIConfig(cfg *config.Config) llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		Organization: cfg.OpenAI.Organization,
		HTTPClient: httpkit.NewClient(
			httpkit.WithTimeout(2*time.Minute),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		),
	}
}

// createLLMClient builds a multi-provider client from the configuration,
// wrapped in retries for transient failures. Models not explicitly mapped
// go to models.provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)

	var fallback llm.Client = ollama
	var oai *llm.OpenAIClient
	if cfg.OpenAI.Configured() {
		oai = llm.NewOpenAIClient(openAIConfig(cfg), logger)
		if cfg.Models.Provider == "openai" {
			fallback = oai
		}
	} else if cfg.Models.Provider == "openai" {
		return nil, errors.New("models.provider is openai but openai.api_key is not set")
	}

	multi := llm.NewMultiClient(fallback)
	multi.AddProvider("ollama", ollama)
	if oai != nil {
		multi.AddProvider("openai", oai)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", cfg.Models.Provider)

	return llm.NewRetryClient(multi, llm.RetryPolicy{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}, logger), nil
}

func createEmbedder(cfg *config.Config, logger *slog.Logger) (embeddings.Embedder, error) {
	switch cfg.Knowledge.Embedder {
	case "openai":
		if !cfg.OpenAI.Configured() {
			return nil, errors.New("knowledge.embedder is openai but openai.api_key is not set")
		}
		return embeddings.NewOpenAI(llm.NewOpenAISDK(openAIConfig(cfg)), cfg.Knowledge.EmbeddingModel), nil
	default:
		return embeddings.NewOllama(embeddings.OllamaConfig{
			BaseURL: cfg.Models.OllamaURL,
			Model:   cfg.Knowledge.EmbeddingModel,
		}, logger), nil
	}
}
