package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/parley/internal/config"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/adapters/memory"
	redisadapter "github.com/aretw0/parley/pkg/adapters/redis"
	"github.com/aretw0/parley/pkg/bus"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/loader"
	"github.com/aretw0/parley/pkg/lock"
	"github.com/aretw0/parley/pkg/observability"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/aretw0/parley/pkg/router"
	"github.com/aretw0/parley/pkg/session"
	"github.com/aretw0/parley/pkg/widget"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// Hub is a fully wired Parley instance.
type Hub struct {
	Sessions *session.Manager
	Loader   *loader.Loader
	Widgets  *widget.Registry
	Bus      *bus.Bus
	Lock     ports.ExclusivityLock
	Store    ports.SnapshotStore
	Metrics  *observability.Metrics

	redis  backend.UniversalClient
	ownsRD bool
	logger *slog.Logger
}

// Option configures a Hub.
type Option func(*hubOptions)

type hubOptions struct {
	logger  *slog.Logger
	hooks   domain.LifecycleHooks
	fetcher ports.ScriptFetcher
	redis   backend.UniversalClient
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *hubOptions) {
		o.logger = logger
	}
}

// WithLifecycleHooks adds callbacks invoked for every session.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(o *hubOptions) {
		o.hooks = o.hooks.Merge(hooks)
	}
}

// WithFetcher replaces the script fetcher derived from the config.
func WithFetcher(f ports.ScriptFetcher) Option {
	return func(o *hubOptions) {
		o.fetcher = f
	}
}

// WithRedisClient uses client for the lock, the snapshot store and the bus,
// regardless of cfg.RedisAddr. The caller keeps ownership of client.
func WithRedisClient(client backend.UniversalClient) Option {
	return func(o *hubOptions) {
		o.redis = client
	}
}

// New wires a Hub from cfg. Without Redis every component is in-process.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Hub, error) {
	o := hubOptions{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Hub{
		Widgets: widget.NewRegistry(),
		Metrics: observability.NewMetrics(),
		redis:   o.redis,
		logger:  o.logger,
	}

	if h.redis == nil && cfg.RedisAddr != "" {
		h.redis = backend.NewClient(&backend.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		h.ownsRD = true
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			h.closeRedis()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		replica := cfg.Replica
		if replica == "" {
			replica = uuid.NewString()
		}
		b, err := bus.NewRedis(h.redis, bus.RedisSettings{Prefix: cfg.RedisPrefix + "bus:", Consumer: replica}, o.logger)
		if err != nil {
			h.closeRedis()
			return nil, err
		}
		h.Bus = b
		h.Lock = redisadapter.NewExclusivityLock(h.redis,
			redisadapter.WithLockKey(cfg.RedisPrefix+"lock:active-session"),
			redisadapter.WithLease(cfg.LockLease),
		)
		h.Store = redisadapter.NewFromClient(h.redis,
			redisadapter.WithPrefix(cfg.RedisPrefix+"session:"),
			redisadapter.WithTTL(cfg.SnapshotTTL),
		)
		o.logger.Info("Using Redis for lock, snapshots and bus", "replica", replica)
	} else {
		h.Bus = bus.NewInMemory(o.logger)
		h.Lock = lock.NewLocal()
		h.Store = memory.NewStore()
	}

	fetcher := o.fetcher
	if fetcher == nil {
		if cfg.ScriptFile != "" {
			fetcher = loader.FileFetcher{Path: cfg.ScriptFile}
		} else {
			fetcher = loader.NewHTTPFetcher(cfg.ScriptURL)
		}
	}
	h.Loader = loader.New(fetcher,
		loader.WithLoadTimeout(cfg.ScriptLoadTimeout),
		loader.WithLogger(o.logger),
		loader.WithLoadObserver(h.Metrics.ObserveScriptLoad),
	)

	hooks := h.Metrics.Hooks().
		Merge(observability.LogHooks(o.logger)).
		Merge(o.hooks)

	deps := session.Deps{
		Lock:    h.Lock,
		Loader:  h.Loader,
		Mounter: h.Widgets,
		Router:  router.New(h.Bus, router.WithLogger(o.logger)),
	}
	h.Sessions = session.NewManager(deps,
		session.WithStore(h.Store),
		session.WithManagerLogger(o.logger),
		session.WithControllerOptions(
			session.WithSettleDelay(cfg.SettleDelay),
			session.WithRetryBackoff(cfg.RetryBackoff),
			session.WithHooks(hooks),
			session.WithLockRenewal(renewInterval(cfg, h.redis != nil)),
		),
	)
	return h, nil
}

// renewInterval is how often an active session refreshes a leased Redis lock.
// Zero disables renewal.
func renewInterval(cfg config.Config, redis bool) time.Duration {
	if !redis || cfg.LockLease <= 0 {
		return 0
	}
	return cfg.LockLease / 3
}

// Register registers every avatar. It stops at the first failure.
func (h *Hub) Register(ctx context.Context, avatars []domain.SessionParams) error {
	for _, a := range avatars {
		if _, err := h.Sessions.Register(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Close deactivates every session and releases transports.
func (h *Hub) Close(ctx context.Context) error {
	err := errors.Join(h.Sessions.Close(ctx), h.Bus.Close())
	if cerr := h.closeRedis(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (h *Hub) closeRedis() error {
	if h.redis == nil || !h.ownsRD {
		return nil
	}
	return h.redis.Close()
}
