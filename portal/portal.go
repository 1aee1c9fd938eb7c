// Package portal wires the cache, outbox, gateway, coordinator and draft
// reconciler into one client.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"perfsync/config"
	"perfsync/coordinator"
	"perfsync/debounce"
	"perfsync/draft"
	"perfsync/gateway"
	"perfsync/localcache"
	"perfsync/outbox"
)

// Options carries dependencies that do not come from configuration.
type Options struct {
	Logger *log.Logger
	// Tokens overrides the static token from configuration.
	Tokens gateway.TokenSource
	// Session is told when the API rejects the session.
	Session coordinator.SessionHandler
	// HTTPClient replaces the gateway transport.
	HTTPClient *http.Client
	// Redis is used instead of dialing cache.redis_url.
	Redis *redis.Client
}

// Client is an opened perfsync instance.
type Client struct {
	Coordinator *coordinator.Coordinator
	Drafts      *draft.Reconciler
	Queue       *outbox.Queue
	Cache       localcache.Cache

	logger    *log.Logger
	debouncer *debounce.Debouncer
}

// Open builds every component described by cfg. Start must be called to run
// automatic retries.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("portal: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = cfg.Log.NewLogger(); err != nil {
			return nil, err
		}
	}

	cache, ledger, err := openCache(ctx, cfg, opts, logger)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Client, error) {
		if cerr := cache.Close(); cerr != nil {
			logger.WithError(cerr).Warn("cache close failed")
		}
		return nil, err
	}

	queue, err := outbox.New(ctx, cache, ledger, logger, outbox.Config{StaleRetryLimit: cfg.Sync.StaleRetryLimit})
	if err != nil {
		return fail(fmt.Errorf("portal: outbox: %w", err))
	}

	tokens := opts.Tokens
	if tokens == nil {
		tokens = gateway.StaticToken(cfg.Gateway.Token)
	}
	gwOpts := []gateway.Option{gateway.WithTimeout(cfg.Gateway.Timeout)}
	if opts.HTTPClient != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(opts.HTTPClient))
	}
	client := gateway.NewClient(cfg.Gateway.BaseURL, tokens, logger, gwOpts...)

	coord, err := coordinator.New(ctx, coordinator.Config{
		EmployeeID:   cfg.EmployeeID,
		BulkReplay:   cfg.Sync.BulkReplay,
		RetryInitial: cfg.Sync.RetryInitial,
		RetryMax:     cfg.Sync.RetryMax,
		RetryLimit:   cfg.Sync.RetryLimit,
		SyncTimeout:  cfg.Sync.SyncTimeout,
	}, client, queue, cache, logger, coordinator.Options{Session: opts.Session})
	if err != nil {
		return fail(fmt.Errorf("portal: coordinator: %w", err))
	}

	debouncer := debounce.New(logger)
	drafts, err := draft.New(ctx, client, cache, debouncer, coord, logger, draft.Config{
		Debounce:    cfg.Sync.Debounce,
		SaveTimeout: cfg.Sync.SaveTimeout,
	})
	if err != nil {
		debouncer.Stop()
		return fail(fmt.Errorf("portal: drafts: %w", err))
	}
	coord.RegisterParticipant(drafts)

	logger.WithFields(log.Fields{
		"employee_id": cfg.EmployeeID,
		"backend":     cfg.Cache.Backend,
		"api":         cfg.Gateway.BaseURL,
	}).Info("perfsync opened")

	return &Client{
		Coordinator: coord,
		Drafts:      drafts,
		Queue:       queue,
		Cache:       cache,
		logger:      logger,
		debouncer:   debouncer,
	}, nil
}

func openCache(ctx context.Context, cfg *config.Config, opts Options, logger *log.Logger) (localcache.Cache, outbox.Ledger, error) {
	c := cfg.Cache
	switch c.Backend {
	case config.BackendMemory:
		return localcache.NewMemory(), outbox.NewMemoryLedger(), nil
	case config.BackendSQLite:
		cache, err := localcache.NewSQLite(c.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("portal: sqlite cache: %w", err)
		}
		return cache, outbox.NewMemoryLedger(), nil
	case config.BackendRedis:
		var cache *localcache.Redis
		if opts.Redis != nil {
			cache = localcache.NewRedis(opts.Redis, c.Profile, c.RedisTTL)
		} else {
			var err error
			if cache, err = localcache.DialRedis(ctx, c.RedisURL, c.Profile, c.RedisTTL); err != nil {
				return nil, nil, fmt.Errorf("portal: redis cache: %w", err)
			}
		}
		ledger := outbox.NewRedisLedger(cache.Client(), "perfsync:"+c.Profile, cfg.Sync.LedgerTTL)
		return cache, ledger, nil
	case config.BackendTables:
		cache, err := localcache.NewTables(ctx, c.TablesConn, c.TablesTable, c.Profile)
		if err != nil {
			return nil, nil, fmt.Errorf("portal: tables cache: %w", err)
		}
		logger.Debug("acknowledgement ledger is process-local with the tables backend")
		return cache, outbox.NewMemoryLedger(), nil
	default:
		return nil, nil, fmt.Errorf("portal: unknown cache backend %q", c.Backend)
	}
}

// Start runs automatic retries until ctx ends or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.Coordinator.Start(ctx)
}

// Close stops background work and releases the cache. Unsaved draft edits
// stay in the cache and are sent by the next sync.
func (c *Client) Close() error {
	c.Coordinator.Stop()
	c.debouncer.Stop()
	if err := c.Cache.Close(); err != nil {
		return fmt.Errorf("portal: close cache: %w", err)
	}
	c.logger.Info("perfsync closed")
	return nil
}
