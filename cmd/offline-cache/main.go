package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cachestorage"
	"github.com/always-cache/offline-cache/config"
	"github.com/always-cache/offline-cache/host"
	"github.com/always-cache/offline-cache/internal/telemetry"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	hostFlag           string
	portFlag           int
	providerFlag       string
	dbFilenameFlag     string
	redisFlag          string
	cacheNameFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "memory", "Cache storage: memory, sqlite, bolt or redis")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name for sqlite and bolt")
	flag.StringVar(&redisFlag, "redis", "localhost:6379", "Redis address")
	flag.StringVar(&cacheNameFlag, "cache-name", "", "Cache generation identifier (e.g. birthday-cache-v2)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "offline-cache", cfg.OTelEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up tracing")
	}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Storage.Provider).Msg("Could not open cache storage")
	}
	storage := cachestorage.NewStorage(backend)

	origin := cfg.OriginURL()
	registration, err := host.CreateRegistration(host.Config{
		Origin:     origin,
		OriginHost: cfg.Host,
		Logger:     &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create registration")
	}

	register := func(ctx context.Context) error {
		agent, err := offlinecache.CreateAgent(offlinecache.Config{
			CacheName:      cfg.CacheName,
			PrecacheAssets: cfg.Precache,
			Scope:          origin,
			Storage:        storage,
			Logger:         &log.Logger,
		})
		if err != nil {
			return err
		}
		_, err = registration.Register(ctx, agent)
		return err
	}
	// no version is active yet, so a failed install leaves nothing to serve
	if err := register(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not install offline cache")
	}

	a := &admin{
		registration: registration,
		storage:      storage,
		register:     register,
		log:          log.Logger,
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: a.router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown")
		}
	}()

	log.Info().Msgf("Proxying port %v to %s (cache %s, %s storage)", cfg.Port, origin.String(), cfg.CacheName, cfg.Storage.Provider)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registration.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Pending cache writes were not finished")
	}
	if err := storage.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close cache storage")
	}
	if err := shutdownTracing(drainCtx); err != nil {
		log.Error().Err(err).Msg("Could not flush traces")
	}
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			cfg.Origin = originFlag
		case "host":
			cfg.Host = hostFlag
		case "port":
			cfg.Port = portFlag
		case "provider":
			cfg.Storage.Provider = providerFlag
		case "db":
			cfg.Storage.Path = dbFilenameFlag
		case "redis":
			cfg.Storage.RedisAddr = redisFlag
		case "cache-name":
			cfg.CacheName = cacheNameFlag
		}
	})
}

func openBackend(cfg config.Storage) (cachestorage.Backend, error) {
	switch cfg.Provider {
	case config.ProviderMemory:
		return cachestorage.NewMemoryBackend(), nil
	case config.ProviderSQLite:
		// use 'memory' for an in-memory db
		filename := cfg.Path
		if filename == "memory" {
			filename = ""
		}
		b, err := cachestorage.NewSQLiteBackend(filename)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.ProviderBolt:
		b, err := cachestorage.OpenBoltBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.ProviderRedis:
		b, err := cachestorage.NewRedisBackend(cachestorage.RedisConfig{
			Client:      goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr}),
			Namespace:   cfg.RedisNamespace,
			CloseClient: true,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}
