// Package bootstrap builds every long-lived client once at process start and
// wires them into the chat handler.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"shipment-qna/handler"
	"shipment-qna/internal/answer"
	"shipment-qna/internal/clarify"
	"shipment-qna/internal/config"
	"shipment-qna/internal/extract"
	"shipment-qna/internal/integrations/openai"
	"shipment-qna/internal/integrations/paramstore"
	"shipment-qna/internal/integrations/search"
	"shipment-qna/internal/intent"
	"shipment-qna/internal/judge"
	"shipment-qna/internal/metrics"
	"shipment-qna/internal/normalize"
	"shipment-qna/internal/overview"
	"shipment-qna/internal/plan"
	"shipment-qna/internal/repository"
	"shipment-qna/internal/retrieve"
	"shipment-qna/internal/scope"
	"shipment-qna/internal/session"
	"shipment-qna/internal/usecase"
)

const paramCacheTTL = 5 * time.Minute

// Store is the checkpoint store the session controller and turn limit share.
type Store interface {
	session.CheckpointStore
	usecase.StateLoader
}

// App holds the wired process.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Handler  *handler.Handler

	closers []func() error
}

// Close releases clients that hold connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Build validates cfg and wires the full chat pipeline.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	app.Registry.MustRegister(collectors.NewGoCollector())

	var awsCfg *aws.Config
	if cfg.CheckpointBackend == config.BackendDynamo || cfg.NeedsParamStore() {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load AWS config: %w", err)
		}
		awsCfg = &loaded
	}

	var params *paramstore.Client
	if cfg.NeedsParamStore() {
		var err error
		params, err = paramstore.New(awsssm.NewFromConfig(*awsCfg), paramstore.WithTTL(paramCacheTTL))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: paramstore: %w", err)
		}
	}

	llm, err := BuildOpenAI(cfg, params)
	if err != nil {
		return nil, err
	}
	searcher, err := search.NewClient(cfg.SearchEndpoint, cfg.SearchIndex, cfg.SearchAPIKey,
		search.WithAPIVersion(cfg.SearchAPIVersion),
		search.WithFields(cfg.SearchIDField, cfg.SearchContentField, cfg.SearchVectorField),
	)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: search client: %w", err)
	}

	store, closeStore, err := BuildCheckpointStore(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		app.closers = append(app.closers, closeStore)
	}

	nodes, err := BuildNodes(cfg, llm, searcher, logger)
	if err != nil {
		return nil, err
	}
	controller, err := session.New(nodes, store, session.Options{
		MaxRetries:    cfg.MaxRetries,
		HistoryWindow: cfg.HistoryWindow,
	}, metrics.NewTurnMetrics(app.Registry), logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: session controller: %w", err)
	}

	resolver := scope.NewResolver(BuildScopeSource(cfg, params), scope.Options{
		AllowUnsafe: cfg.AllowUnsafeScope,
		TTL:         cfg.ScopeRegistryTTL,
	}, logger)

	opts := usecase.ChatOptions{
		MaxQuestionLength:    cfg.MaxQuestionLength,
		MaxConversationTurns: cfg.MaxConversationTurns,
		States:               store,
	}
	if cfg.ModerationEnabled {
		opts.Moderator = llm
	}
	chat, err := usecase.NewChatService(resolver, controller, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: chat service: %w", err)
	}
	app.Handler, err = handler.NewHandler(chat, logger, handler.WithTrustedIdentityHeader(cfg.TrustIdentityHeader))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: handler: %w", err)
	}
	return app, nil
}

// Router serves the chat API, health and metrics over HTTP.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	r.Route("/api", func(api chi.Router) {
		api.Post("/chat", a.Handler.ServeHTTP)
	})
	return r
}

// BuildOpenAI returns the model client. A configured API key wins over the
// parameter store.
func BuildOpenAI(cfg *config.Config, params *paramstore.Client) (*openai.Client, error) {
	opts := []openai.Option{openai.WithModels(cfg.OpenAIDeployment, cfg.OpenAIEmbedDeployment)}
	if cfg.OpenAIEndpoint != "" {
		opts = append(opts, openai.WithAzure(cfg.OpenAIEndpoint, cfg.OpenAIAPIVersion))
	}
	if cfg.OpenAIAPIKey != "" {
		opts = append(opts, openai.WithAPIKey(cfg.OpenAIAPIKey))
	}
	var getter openai.Getter
	if params != nil {
		getter = params
	}
	client, err := openai.NewClient(getter, cfg.ParamPrefix, opts...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: openai client: %w", err)
	}
	return client, nil
}

// BuildScopeSource picks the registry source: inline JSON, then a file, then
// an SSM parameter. Nil means no registry is configured.
func BuildScopeSource(cfg *config.Config, params *paramstore.Client) scope.Source {
	switch {
	case strings.TrimSpace(cfg.ScopeRegistryJSON) != "":
		return scope.StaticSource{Raw: cfg.ScopeRegistryJSON}
	case strings.TrimSpace(cfg.ScopeRegistryPath) != "":
		return scope.FileSource{Path: cfg.ScopeRegistryPath}
	case strings.TrimSpace(cfg.ScopeRegistryParam) != "" && params != nil:
		return scope.ParamSource{Getter: params, Name: cfg.ScopeRegistryParam}
	}
	return nil
}

// BuildRedisClient returns a configured Redis client, or nil when no address
// is set. When verify is true a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *config.Config, logger *slog.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("bootstrap: redis not available", "err", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildCheckpointStore returns the configured store and, for connection-backed
// stores, its close func.
func BuildCheckpointStore(ctx context.Context, cfg *config.Config, awsCfg *aws.Config, logger *slog.Logger) (Store, func() error, error) {
	switch cfg.CheckpointBackend {
	case config.BackendMemory:
		return repository.NewMemoryStore(), nil, nil
	case config.BackendRedis:
		client := BuildRedisClient(ctx, cfg, logger, true)
		if client == nil {
			return nil, nil, fmt.Errorf("bootstrap: redis unavailable at %s", cfg.RedisAddr)
		}
		store, err := repository.NewRedisStore(client, cfg.CheckpointTTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("bootstrap: redis store: %w", err)
		}
		return store, client.Close, nil
	case config.BackendDynamo:
		if awsCfg == nil {
			return nil, nil, errors.New("bootstrap: AWS config required for the dynamodb backend")
		}
		store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(*awsCfg), cfg.StateTable, cfg.CheckpointTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: dynamodb store: %w", err)
		}
		return store, nil, nil
	}
	return nil, nil, fmt.Errorf("bootstrap: unknown checkpoint backend %q", cfg.CheckpointBackend)
}

// BuildNodes constructs every pipeline node over the shared model and search
// clients.
func BuildNodes(cfg *config.Config, llm *openai.Client, searcher *search.Client, logger *slog.Logger) (session.Nodes, error) {
	var n session.Nodes
	var err error
	if n.Normalizer, err = normalize.New(llm, cfg.HistoryWindow, logger); err != nil {
		return n, err
	}
	if n.Extractor, err = extract.New(llm, logger); err != nil {
		return n, err
	}
	if n.Classifier, err = intent.New(llm, logger); err != nil {
		return n, err
	}
	if n.Planner, err = plan.New(llm, plan.Options{}, logger); err != nil {
		return n, err
	}
	if n.Retriever, err = retrieve.New(searcher, llm, cfg.SearchScopeField, logger); err != nil {
		return n, err
	}
	if n.Answerer, err = answer.New(llm, logger); err != nil {
		return n, err
	}
	if n.Judge, err = judge.New(llm, logger); err != nil {
		return n, err
	}
	if n.Clarifier, err = clarify.New(llm, logger); err != nil {
		return n, err
	}
	if n.Overview, err = overview.New(cfg.OverviewPath, llm, logger); err != nil {
		return n, err
	}
	return n, nil
}
