package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sjsage522/listingworker/config"
	"sjsage522/listingworker/helpers"
	"sjsage522/listingworker/internal/crawler"
	"sjsage522/listingworker/internal/reconcile"
	"sjsage522/listingworker/logger"
	"sjsage522/listingworker/services/cache"
	"sjsage522/listingworker/services/description"
	"sjsage522/listingworker/services/publisher"
	"sjsage522/listingworker/services/store"
	"sjsage522/listingworker/services/worker"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	godotenv.Load()

	// Initialize logger first
	logger.Init()
	log := logger.Default

	// Load and validate configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.CatalogFile).Msg("Invalid catalog")
	}
	segments := catalog.Active()
	if len(segments) == 0 {
		log.Fatal().Msg("Catalog has no enabled segments")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("store", cfg.StoreDriver).
		Int("segments", len(segments)).
		Dur("crawl_interval", cfg.CrawlInterval).
		Msg("Starting application")

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize services
	services, err := initializeServices(ctx, &cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer services.Cleanup()

	// Create crawlers
	crawlers, err := createCrawlers(&cfg, segments, services)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create crawlers")
	}

	log.Info().
		Int("crawler_count", len(crawlers)).
		Msg("Created crawlers")

	engine := reconcile.NewEngine(services.Store, services.Describer, services.Publisher)

	// Create and start worker
	w := worker.NewWorker(ctx, segments, crawlers, engine, services.Publisher, worker.Options{
		CrawlInterval: cfg.CrawlInterval,
		SegmentDelay:  cfg.SegmentDelay,
		RunOnce:       cfg.RunOnce,
		DescribeLimit: cfg.DescribePending,
		RunRetention:  cfg.RunRetention,
	})

	// Start worker in a goroutine
	workerDone := make(chan struct{})
	go func() {
		log.Info().Msg("Starting listing worker")
		w.Start()
		close(workerDone)
	}()

	// Wait for shutdown signal or worker exit
	select {
	case sig := <-sigChan:
		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		cancel()
		// Let the running segment finalize its summary
		<-workerDone
	case <-workerDone:
		log.Info().Msg("Worker exited normally")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down gracefully...")
}

// Services holds all the initialized services
type Services struct {
	Cache     cache.CacheService
	Publisher publisher.Publisher
	Store     store.Store
	Describer description.Describer
	Drivers   []*crawler.DriverPool
}

// Cleanup cleans up all services
func (s *Services) Cleanup() {
	for _, pool := range s.Drivers {
		pool.Close()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

// initializeServices initializes all required services
func initializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{Cache: newCache(cfg)}

	// Initialize publisher
	pub, err := newPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	services.Publisher = pub

	// Initialize store
	switch cfg.StoreDriver {
	case "memory":
		services.Store = store.NewMemoryStore()
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn)
		if err != nil {
			services.Cleanup()
			return nil, err
		}
		services.Store = pg
	}
	if err := services.Store.Migrate(ctx); err != nil {
		services.Cleanup()
		return nil, err
	}
	logger.Info("Store %s ready", cfg.StoreDriver)

	// Initialize description service
	describer, err := description.New(*cfg)
	if err != nil {
		services.Cleanup()
		return nil, err
	}
	if describer == nil {
		logger.Warn("No description provider configured, descriptions stay pending")
	}
	services.Describer = describer

	return services, nil
}

// newCache connects the shared rate-limit cache. The fetch layer runs without the shared block key when it is disabled or down.
func newCache(cfg *config.Config) cache.CacheService {
	if !cfg.MemcacheEnabled {
		logger.Info("Memcache disabled")
		return nil
	}
	cacheService := cache.NewMemcacheService(cfg.MemcacheAddr, "listingworker:")
	if err := cacheService.Ping(); err != nil {
		logger.Warn("Memcache at %s unavailable: %v", cfg.MemcacheAddr, err)
		return nil
	}
	logger.Info("Connected to Memcache at %s", cfg.MemcacheAddr)
	return cacheService
}

// newPublisher connects the Redis event streams, or drops events when Redis is disabled
func newPublisher(ctx context.Context, cfg *config.Config) (publisher.Publisher, error) {
	if !cfg.RedisEnabled {
		logger.Info("Redis disabled, listing events are dropped")
		return publisher.NopPublisher{}, nil
	}
	redisPublisher := publisher.NewRedisPublisher(
		ctx,
		cfg.RedisAddr,
		cfg.RedisDB,
		cfg.RedisStream,
		cfg.RedisStreamCount,
		cfg.RedisStreamMaxLength,
	)
	if err := redisPublisher.Ping(); err != nil {
		redisPublisher.Close()
		return nil, err
	}
	logger.Info("Connected to Redis at %s (DB: %d, Stream: %s)",
		cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)
	return redisPublisher, nil
}

// createCrawlers builds one crawler per site named in the catalog
func createCrawlers(cfg *config.Config, segments []config.CatalogEntry, services *Services) ([]crawler.Crawler, error) {
	fetcher := helpers.NewFetcher(helpers.FetcherConfig{
		MaxAttempts:    cfg.FetchMaxAttempts,
		Backoff:        cfg.FetchBackoff,
		ConnectTimeout: cfg.FetchConnectTimeout,
		Timeout:        cfg.FetchTimeout,
		BlockTime:      cfg.RateLimitBlock,
		RPS:            cfg.FetchRPS,
		Burst:          cfg.FetchBurst,
	}, services.Cache)

	policy := crawler.StopPolicy{
		ExpectedPageSize:  cfg.ExpectedPageSize,
		MaxDuplicateRatio: cfg.MaxDuplicateRatio,
		PageCeiling:       cfg.PageCeiling,
	}

	seen := make(map[string]bool)
	var crawlers []crawler.Crawler
	for _, entry := range segments {
		if seen[entry.Site] {
			continue
		}
		seen[entry.Site] = true

		rules, err := crawler.RulesFor(entry.Site)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", entry.Segment, err)
		}

		harvester := crawler.NewGalleryHarvester(crawler.GalleryConfig{
			MaxIterations:  cfg.GalleryMaxIterations,
			MaxRetries:     cfg.GalleryMaxRetries,
			RetryPause:     cfg.GalleryRetryPause,
			AttemptTimeout: cfg.GalleryAttemptTimeout,
			ImagePattern:   rules.Gallery.ImagePattern,
		})

		selectors := rules.Gallery
		drivers := crawler.NewDriverPool(cfg.CrawlConcurrency, func() (crawler.GalleryDriver, error) {
			d, err := crawler.NewChromeDriver(crawler.ChromeOptions{
				ExecPath: cfg.ChromeBin,
				Headless: cfg.ChromeHeadless,
			}, selectors)
			if err != nil {
				return nil, err
			}
			return d, nil
		})
		services.Drivers = append(services.Drivers, drivers)

		crawlers = append(crawlers, crawler.NewSegmentCrawler(fetcher, crawler.NewExtractor(rules), harvester, drivers, crawler.SegmentCrawlerConfig{
			Policy:       policy,
			Concurrency:  cfg.CrawlConcurrency,
			PageDelayMin: cfg.PageDelayMin,
			PageDelayMax: cfg.PageDelayMax,
		}))
	}
	return crawlers, nil
}
