package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/offline-cache/cachestorage"
	"github.com/always-cache/offline-cache/lifecycle"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/always-cache/offline-cache"

var ErrInvalidConfig = errors.New("invalid agent config")

type Config struct {
	// Cache generation identifier, e.g. "birthday-cache-v2".
	// Bumping it is the only way to invalidate previously stored responses.
	CacheName string
	// Assets stored on install. Relative URLs are resolved against Scope.
	PrecacheAssets []string
	// Base URL of the controlled site.
	Scope url.URL
	// Storage for cache entries. It is owned by the host and shared between versions.
	Storage *cachestorage.Storage
	// Network client. A client that does not follow redirects is used if nil.
	Client cachestorage.Doer
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Agent is one version of the offline cache worker.
// It precaches its assets on install, deletes all other cache generations on
// activate and answers GET requests cache-first.
type Agent struct {
	cacheName string
	assets    []*url.URL
	storage   *cachestorage.Storage
	client    cachestorage.Doer
	log       zerolog.Logger
	tracer    trace.Tracer
}

var _ lifecycle.Worker = (*Agent)(nil)

// CreateAgent validates the config and sets up the agent.
func CreateAgent(config Config) (*Agent, error) {
	if config.CacheName == "" {
		return nil, fmt.Errorf("%w: cache name is empty", ErrInvalidConfig)
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: storage is nil", ErrInvalidConfig)
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("cache", config.CacheName).
		Logger()

	assets := make([]*url.URL, 0, len(config.PrecacheAssets))
	for _, asset := range config.PrecacheAssets {
		u, err := url.Parse(asset)
		if err != nil {
			return nil, fmt.Errorf("%w: asset %q: %v", ErrInvalidConfig, asset, err)
		}
		if !u.IsAbs() {
			if !config.Scope.IsAbs() {
				return nil, fmt.Errorf("%w: relative asset %q needs an absolute scope", ErrInvalidConfig, asset)
			}
			u = config.Scope.ResolveReference(u)
		}
		assets = append(assets, u)
	}

	client := config.Client
	if client == nil {
		client = &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &Agent{
		cacheName: config.CacheName,
		assets:    assets,
		storage:   config.Storage,
		client:    client,
		log:       logger,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// CacheName returns the generation this agent reads and writes.
func (a *Agent) CacheName() string {
	return a.cacheName
}

// OnInstall stores all precache assets in the current generation.
// Any failing asset fails the install; on success the agent asks to be activated right away.
func (a *Agent) OnInstall(ev *lifecycle.InstallEvent) {
	a.log.Info().Msg("Install event")
	ev.WaitUntil(func(ctx context.Context) error {
		ctx, span := a.tracer.Start(ctx, "offlinecache.install",
			trace.WithAttributes(attribute.String("cache.name", a.cacheName)))
		defer span.End()

		cache, err := a.storage.Open(ctx, a.cacheName)
		if err != nil {
			span.SetStatus(codes.Error, "open cache")
			return fmt.Errorf("open cache %s: %w", a.cacheName, err)
		}

		a.log.Info().Int("assets", len(a.assets)).Msg("Precaching static assets")
		reqs := make([]*http.Request, 0, len(a.assets))
		for _, asset := range a.assets {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.String(), nil)
			if err != nil {
				return fmt.Errorf("create request for %s: %w", asset, err)
			}
			reqs = append(reqs, req)
		}
		if err := cache.AddAll(ctx, a.client, reqs); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "precache")
			a.log.Error().Err(err).Msg("Precache failed")
			return err
		}

		ev.SkipWaiting()
		return nil
	})
}

// OnActivate deletes every cache generation but the current one and then claims all clients.
// Deletions run concurrently and a failing deletion does not stop the others or the activation.
func (a *Agent) OnActivate(ev *lifecycle.ActivateEvent) {
	a.log.Info().Msg("Activate event")
	ev.WaitUntil(func(ctx context.Context) error {
		ctx, span := a.tracer.Start(ctx, "offlinecache.activate",
			trace.WithAttributes(attribute.String("cache.name", a.cacheName)))
		defer span.End()

		names, err := a.storage.Keys(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("Could not list caches, skipping cleanup")
		}
		var g errgroup.Group
		for _, name := range names {
			if name == a.cacheName {
				continue
			}
			name := name
			g.Go(func() error {
				a.log.Info().Str("stale", name).Msg("Deleting old cache")
				if _, err := a.storage.Delete(ctx, name); err != nil {
					span.RecordError(err)
					a.log.Warn().Err(err).Str("stale", name).Msg("Could not delete old cache")
				}
				return nil
			})
		}
		g.Wait()

		if err := ev.Claim(ctx); err != nil {
			span.SetStatus(codes.Error, "claim")
			return fmt.Errorf("claim clients: %w", err)
		}
		return nil
	})
}

// OnFetch answers GET requests from the current generation, falling back to the network.
// Other methods are left to the network.
func (a *Agent) OnFetch(ev *lifecycle.FetchEvent) {
	if ev.Request.Method != http.MethodGet {
		ev.CacheStatus.Forward(rfc9211.FwdReasonMethod)
		return
	}
	ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
		return a.cacheFirst(ctx, ev)
	})
}

func (a *Agent) cacheFirst(ctx context.Context, ev *lifecycle.FetchEvent) (*http.Response, error) {
	req := ev.Request
	ctx, span := a.tracer.Start(ctx, "offlinecache.fetch",
		trace.WithAttributes(
			attribute.String("cache.name", a.cacheName),
			attribute.String("url.full", req.URL.String()),
		))
	defer span.End()

	log := a.log.With().Str("url", req.URL.String()).Logger()
	cache := a.storage.Cache(a.cacheName)

	cached, reason, err := cache.Lookup(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read from cache")
		reason = rfc9211.FwdReasonMiss
	}
	if cached != nil {
		ev.CacheStatus.Hit()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		log.Debug().Msg("Serving from cache")
		return cached, nil
	}
	ev.CacheStatus.Forward(reason)
	span.SetAttributes(attribute.Bool("cache.hit", false))

	log.Trace().Str("fwd", string(reason)).Msg("Fetching from network")
	res, err := a.client.Do(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch")
		log.Error().Err(err).Msg("Fetch failed")
		return nil, err
	}
	if res == nil || res.StatusCode != http.StatusOK {
		if res != nil {
			ev.CacheStatus.FwdStatus = res.StatusCode
		}
		return res, nil
	}
	ev.CacheStatus.FwdStatus = res.StatusCode

	toCache, toReturn, err := serializer.Clone(res)
	if err != nil {
		log.Error().Err(err).Msg("Could not read network response")
		return nil, err
	}
	ev.CacheStatus.Stored = true
	// save to cache in background (do not slow down response)
	ev.Go(func(ctx context.Context) {
		if err := cache.Put(ctx, req, toCache); err != nil {
			log.Warn().Err(err).Msg("Could not write to cache")
			return
		}
		log.Trace().Msg("Cache write")
	})
	return toReturn, nil
}
