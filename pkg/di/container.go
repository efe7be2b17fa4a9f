package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ai-chat-sessions/backend/ai"
	"ai-chat-sessions/backend/internal/repository"
	"ai-chat-sessions/backend/internal/service"
	"ai-chat-sessions/backend/pkg/config"
	"ai-chat-sessions/backend/pkg/health"
	"ai-chat-sessions/backend/pkg/kv"
	"ai-chat-sessions/backend/pkg/logger"
	"ai-chat-sessions/backend/pkg/secrets"
	"ai-chat-sessions/backend/shared/observability"
	"ai-chat-sessions/backend/shared/redis"
)

// Container holds all the dependencies for the application
type Container struct {
	Config        *config.Config
	Logger        *logger.Logger
	Backend       kv.Store
	Workspaces    *repository.Workspaces
	Secrets       secrets.Manager
	Completer     ai.Completer
	Conversation  *service.ConversationService
	Health        *health.Checker
	Observability *observability.Provider

	closers []func() error
}

// Option overrides a dependency the container would otherwise build
type Option func(*options)

type options struct {
	backend   kv.Store
	completer ai.Completer
}

// WithBackend uses store instead of the configured storage backend
func WithBackend(store kv.Store) Option {
	return func(o *options) { o.backend = store }
}

// WithCompleter uses completer instead of the configured provider
func WithCompleter(completer ai.Completer) Option {
	return func(o *options) { o.completer = completer }
}

// New creates a new dependency injection container from cfg
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = logger.GetGlobal()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{
		Config: cfg,
		Logger: log,
	}

	obs, err := observability.Setup(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		TracingEnabled: cfg.Observability.TracingEnabled,
		MetricsEnabled: cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability: %w", err)
	}
	c.Observability = obs

	c.Backend = o.backend
	if c.Backend == nil {
		backend, closer, err := newBackend(cfg, log)
		if err != nil {
			return nil, err
		}
		c.Backend = backend
		if closer != nil {
			c.closers = append(c.closers, closer)
		}
	}
	c.Workspaces = repository.NewWorkspaces(c.Backend, log)

	sm, err := secrets.Init(secrets.VaultConfig{
		Enabled:     cfg.Vault.Enabled,
		Address:     cfg.Vault.Address,
		Token:       cfg.Vault.Token,
		Namespace:   cfg.Vault.Namespace,
		Mount:       cfg.Vault.Mount,
		SecretsPath: cfg.Vault.SecretsPath,
		Timeout:     cfg.Vault.Timeout,
		MaxRetries:  3,
		CacheTTL:    5 * time.Minute,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secrets manager: %w", err)
	}
	c.Secrets = sm

	c.Completer = o.completer
	if c.Completer == nil {
		completer, err := ai.NewCompleter(ctx, cfg, sm, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create completer: %w", err)
		}
		c.Completer = completer
	}

	conversation, err := service.NewConversationService(c.Completer, service.Config{
		SystemPrompt:  cfg.AI.SystemPrompt,
		ContextWindow: cfg.AI.ContextWindow,
		MaxTokens:     cfg.AI.MaxTokens,
		Temperature:   cfg.AI.Temperature,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation service: %w", err)
	}
	c.Conversation = conversation

	c.Health = health.NewChecker(log, 30*time.Second)
	c.Health.RegisterStorageCheck(c.Backend.Ping)
	if breaker, ok := c.Completer.(*ai.BreakerCompleter); ok {
		c.Health.RegisterCompletionCheck(func() string { return string(breaker.State()) }, breaker.Metrics)
	}

	log.Info("Container initialized",
		"storage", cfg.Storage.Backend,
		"provider", cfg.AI.Provider,
		"model", cfg.AI.Model,
	)
	return c, nil
}

// Close releases the storage backend and flushes telemetry
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	if c.Observability != nil {
		errs = append(errs, c.Observability.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func newBackend(cfg *config.Config, log *logger.Logger) (kv.Store, func() error, error) {
	switch cfg.Storage.Backend {
	case "redis":
		client := redis.NewRedisClient(redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		log.Info("Using redis storage", "addr", cfg.Storage.Redis.Addr)
		return client, client.Close, nil

	case "postgres":
		db, err := config.NewDB(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store, err := kv.NewGormStore(db)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to prepare kv table: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		log.Info("Using postgres storage", "host", cfg.Database.Host, "database", cfg.Database.Name)
		return store, sqlDB.Close, nil

	default:
		log.Info("Using in-memory storage")
		return kv.NewMemoryStore(), nil, nil
	}
}
