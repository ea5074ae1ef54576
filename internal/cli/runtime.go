package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/calder-ai/steward/internal/config"
	"github.com/calder-ai/steward/internal/logger"
	"github.com/calder-ai/steward/pkg/agent"
	"github.com/calder-ai/steward/pkg/convo"
	"github.com/calder-ai/steward/pkg/coretools"
	"github.com/calder-ai/steward/pkg/lifecycle"
	"github.com/calder-ai/steward/pkg/llm"
	"github.com/calder-ai/steward/pkg/memory"
	"github.com/calder-ai/steward/pkg/moderation"
	"github.com/calder-ai/steward/pkg/tool"
	"github.com/calder-ai/steward/pkg/user"
)

// runtime holds the assembled service graph shared by the serve and eval
// commands.
type runtime struct {
	cfg   *config.Config
	log   *logger.Logger
	agent *agent.Agent

	memStore *memory.Store
	indexer  *memory.NotesIndexer
	sweeper  *convo.Sweeper
}

// loadConfig reads the config file, applies CLI overrides, and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildRuntime assembles the agent and its collaborators from config.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSize,
		MaxAgeDay: cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zlog := log.Zerolog()

	rt := &runtime{cfg: cfg, log: log}

	service, err := buildLLM(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	registry := tool.NewRegistry(tool.RegistryConfig{Logger: zlog})

	var enrichers []lifecycle.ContextEnricher
	var recorder agent.ToolUsageRecorder
	toolOpts := coretools.Options{}

	if cfg.Memory.Enabled {
		var embedder memory.EmbeddingProvider
		if cfg.Memory.EmbeddingAPIKey != "" {
			embedder = memory.NewOpenAIEmbedder(cfg.Memory.EmbeddingAPIKey, cfg.Memory.EmbeddingModel)
		}

		store, err := memory.NewStore(memory.StoreConfig{
			DBPath:   cfg.Memory.DBPath,
			Embedder: embedder,
			Logger:   zlog,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to open memory store: %w", err)
		}
		rt.memStore = store
		recorder = store
		toolOpts.Memory = store

		indexer, err := memory.NewNotesIndexer(memory.NotesIndexerConfig{
			Store:    store,
			NotesDir: cfg.Memory.NotesDir,
			Logger:   zlog,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to start notes indexer: %w", err)
		}
		rt.indexer = indexer

		enricher, err := memory.NewRecallEnricher(store, cfg.Memory.RecallLimit)
		if err != nil {
			rt.Close()
			return nil, err
		}
		enrichers = append(enrichers, enricher)
	}

	if err := coretools.RegisterCoreTools(registry, toolOpts); err != nil {
		rt.Close()
		return nil, err
	}

	store, err := rt.buildConvoStore(zlog)
	if err != nil {
		rt.Close()
		return nil, err
	}

	resolver, err := buildResolver(cfg, zlog)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var prompt agent.SystemPromptBuilder
	if cfg.Agent.SystemPrompt != "" {
		prompt = &agent.DefaultPromptBuilder{Instructions: cfg.Agent.SystemPrompt}
	}

	var beforeMessage []lifecycle.BeforeMessageHook
	if len(cfg.Moderation.BlockedKeywords) > 0 || len(cfg.Moderation.BlockedPatterns) > 0 {
		filter, err := moderation.New(moderation.Config{
			BlockedKeywords: cfg.Moderation.BlockedKeywords,
			BlockedPatterns: cfg.Moderation.BlockedPatterns,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("invalid moderation config: %w", err)
		}
		beforeMessage = append(beforeMessage, filter)
	}

	a, err := agent.New(agent.Config{
		LLM:               service,
		Registry:          registry,
		Store:             store,
		Resolver:          resolver,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		StreamResponses:   cfg.LLM.Stream,
		Prompt:            prompt,
		Recovery:          lifecycle.NewBackoffRecovery(cfg.Agent.MaxRetries, 0),
		BeforeMessage:     beforeMessage,
		Enrichers:         enrichers,
		Memory:            recorder,
		Logger:            zlog,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build agent: %w", err)
	}
	rt.agent = a

	return rt, nil
}

func buildLLM(cfg *config.Config) (llm.Service, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return llm.NewAnthropicService(cfg.LLM.APIKey)
	case "openai":
		return llm.NewOpenAIService(cfg.LLM.APIKey)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}
}

func (rt *runtime) buildConvoStore(zlog zerolog.Logger) (convo.Store, error) {
	switch rt.cfg.Conversations.Backend {
	case "memory":
		return convo.NewMemStore(), nil
	case "file":
		fs, err := convo.NewFileStore(convo.FileStoreConfig{
			Root:   rt.cfg.Conversations.Dir,
			Logger: zlog,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open conversation store: %w", err)
		}

		sweeper, err := convo.NewSweeper(convo.SweeperConfig{
			Store:    fs,
			MaxAge:   time.Duration(rt.cfg.Conversations.RetentionDays) * 24 * time.Hour,
			Schedule: rt.cfg.Conversations.SweepSchedule,
			Logger:   zlog,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build retention sweeper: %w", err)
		}
		rt.sweeper = sweeper
		return fs, nil
	default:
		return nil, fmt.Errorf("unsupported conversations backend: %s", rt.cfg.Conversations.Backend)
	}
}

func buildResolver(cfg *config.Config, zlog zerolog.Logger) (user.Resolver, error) {
	switch cfg.Users.Resolver {
	case "static":
		return user.NewStaticResolver(user.User{ID: cfg.Users.StaticID})
	case "cookie":
		return user.NewCookieResolver(user.CookieResolverConfig{
			CookieName:  cfg.Users.CookieName,
			AnonymousID: cfg.Users.AnonymousID,
			Logger:      zlog,
		})
	default:
		return nil, fmt.Errorf("unsupported users resolver: %s", cfg.Users.Resolver)
	}
}

// Close stops background workers in reverse dependency order.
func (rt *runtime) Close() {
	if rt.sweeper != nil {
		rt.sweeper.Stop()
	}
	if rt.indexer != nil {
		rt.indexer.Stop()
	}
	if rt.memStore != nil {
		_ = rt.memStore.Close()
	}
	if rt.log != nil {
		_ = rt.log.Close()
	}
}
