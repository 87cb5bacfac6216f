package crawler

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"sjsage522/listingworker/config"
	"sjsage522/listingworker/helpers"
	"sjsage522/listingworker/logger"
	"sjsage522/listingworker/pkg/errors"
)

// MaxConcurrency bounds the listings processed in parallel per page
const MaxConcurrency = 10

// DriverSource lends gallery browsers to listing workers
type DriverSource interface {
	Acquire(ctx context.Context) (GalleryDriver, error)
	Release(d GalleryDriver, broken bool)
}

// CrawlResult is what one segment crawl observed
type CrawlResult struct {
	// Seen holds every source ID listed on a fetched search page
	Seen *IDSet
	// Found holds the source IDs whose records reached the sink
	Found      *IDSet
	Pages      int
	Errors     int
	StopReason string
	// Aborted is set when pagination ended on a failure or cancellation
	// rather than on the stop policy or the page ceiling
	Aborted bool
	Err     error
}

// SegmentCrawler walks the paginated search results of one catalog segment
type SegmentCrawler struct {
	fetcher      Fetcher
	extractor    *Extractor
	harvester    *GalleryHarvester
	drivers      DriverSource
	policy       StopPolicy
	concurrency  int
	pageDelayMin time.Duration
	pageDelayMax time.Duration
	now          func() time.Time
}

var _ Crawler = (*SegmentCrawler)(nil)

// SegmentCrawlerConfig holds the tunables of a SegmentCrawler
type SegmentCrawlerConfig struct {
	Policy       StopPolicy
	Concurrency  int
	PageDelayMin time.Duration
	PageDelayMax time.Duration
}

// NewSegmentCrawler creates a crawler. drivers may be nil to skip gallery harvesting.
func NewSegmentCrawler(fetcher Fetcher, extractor *Extractor, harvester *GalleryHarvester, drivers DriverSource, cfg SegmentCrawlerConfig) *SegmentCrawler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.PageDelayMax < cfg.PageDelayMin {
		cfg.PageDelayMax = cfg.PageDelayMin
	}
	return &SegmentCrawler{
		fetcher:      fetcher,
		extractor:    extractor,
		harvester:    harvester,
		drivers:      drivers,
		policy:       cfg.Policy,
		concurrency:  cfg.Concurrency,
		pageDelayMin: cfg.PageDelayMin,
		pageDelayMax: cfg.PageDelayMax,
		now:          time.Now,
	}
}

// GetName returns the crawler's name for logging
func (c *SegmentCrawler) GetName() string {
	return c.extractor.Rules().Site
}

// Crawl walks pages sequentially. Each page is classified against the run's
// seen set before any detail work; new listings are then processed
// concurrently and handed to sink one by one.
func (c *SegmentCrawler) Crawl(ctx context.Context, entry config.CatalogEntry, sink ListingSink) *CrawlResult {
	log := logger.ForSegment(entry.Segment)
	result := &CrawlResult{Seen: NewIDSet(), Found: NewIDSet()}
	var errCount atomic.Int64
	defer func() { result.Errors += int(errCount.Load()) }()

	ceiling := c.policy.Ceiling(entry.MaxPages)
	for page := 1; ; page++ {
		if page > ceiling {
			result.StopReason = StopPageCeiling
			break
		}
		if ctx.Err() != nil {
			result.StopReason, result.Aborted, result.Err = StopCancelled, true, ctx.Err()
			break
		}
		if page > 1 {
			if err := helpers.Sleep(ctx, c.pageDelay()); err != nil {
				result.StopReason, result.Aborted, result.Err = StopCancelled, true, err
				break
			}
		}

		pageURL := entry.PageURL(page)
		body, err := c.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if page > 1 && errors.IsType(err, errors.ErrorTypeNotFound) {
				result.StopReason = StopPageNotFound
				break
			}
			log.Error().Err(err).Int("page", page).Str("url", pageURL).Msg("Search page fetch failed")
			result.StopReason, result.Aborted, result.Err = StopFetchFailed, true, err
			result.Errors++
			break
		}

		stubs, err := c.extractor.ExtractStubs(body, pageURL)
		if err != nil {
			log.Error().Err(err).Int("page", page).Msg("Search page unparseable")
			result.StopReason, result.Aborted, result.Err = StopFetchFailed, true, err
			result.Errors++
			break
		}
		result.Pages++

		fresh := make([]ListingStub, 0, len(stubs))
		for _, stub := range stubs {
			if result.Seen.Add(stub.SourceID) {
				fresh = append(fresh, stub)
			}
		}
		duplicates := len(stubs) - len(fresh)
		decision, reason := c.policy.Decide(len(stubs), duplicates, entry.ExpectedPageSize)

		log.Info().
			Int("page", page).
			Int("stubs", len(stubs)).
			Int("new", len(fresh)).
			Int("duplicates", duplicates).
			Str("decision", decision.String()).
			Msg("Search page classified")

		if decision == StopBeforePage {
			result.StopReason = reason
			break
		}

		c.processListings(ctx, entry, fresh, sink, result, &errCount)

		// Stubs skipped by a cancellation must not count as a finished crawl
		if ctx.Err() != nil {
			result.StopReason, result.Aborted, result.Err = StopCancelled, true, ctx.Err()
			break
		}

		if decision == StopAfterPage {
			result.StopReason = reason
			break
		}
	}

	log.Info().
		Int("pages", result.Pages).
		Int("seen", result.Seen.Len()).
		Int("found", result.Found.Len()).
		Str("stop_reason", result.StopReason).
		Bool("aborted", result.Aborted).
		Msg("Segment crawl finished")

	return result
}

// processListings runs detail extraction and gallery harvesting for new stubs
// with bounded concurrency. A failing listing never stops its siblings.
func (c *SegmentCrawler) processListings(ctx context.Context, entry config.CatalogEntry, stubs []ListingStub, sink ListingSink, result *CrawlResult, errCount *atomic.Int64) {
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup

	for _, stub := range stubs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(stub ListingStub) {
			defer wg.Done()
			defer func() { <-sem }()

			handed, err := c.processListing(ctx, entry, stub, sink)
			if err != nil {
				errCount.Add(1)
				logger.ForSegment(entry.Segment).Error().
					Err(err).
					Str("source_id", stub.SourceID).
					Str("url", stub.DetailURL).
					Msg("Listing failed")
				return
			}
			if handed {
				result.Found.Add(stub.SourceID)
			}
		}(stub)
	}

	wg.Wait()
}

// processListing reports whether the record was handed to sink.
// Listings older than the entry's minimum year are dropped before the gallery is opened.
func (c *SegmentCrawler) processListing(ctx context.Context, entry config.CatalogEntry, stub ListingStub, sink ListingSink) (bool, error) {
	body, err := c.fetcher.Fetch(ctx, stub.DetailURL)
	if err != nil {
		return false, err
	}

	record, err := c.extractor.Extract(body, ExtractContext{
		SourceID:     stub.SourceID,
		DetailURL:    stub.DetailURL,
		Segment:      entry.Segment,
		Manufacturer: entry.Manufacturer,
		Model:        entry.Model,
		StubTitle:    stub.Title,
		Now:          c.now(),
	})
	if err != nil {
		return false, err
	}

	log := logger.ForSegment(entry.Segment).WithField("source_id", stub.SourceID)
	for _, rejected := range record.Rejected {
		log.Debug().Str("rejected", rejected).Msg("Value rejected, default applied")
	}
	if len(record.Defaulted) > 0 {
		log.Debug().Strs("defaulted", record.Defaulted).Msg("Fields defaulted")
	}

	if entry.MinYear > 0 && !record.IsDefaulted(FieldModelYear) && record.ModelYear < entry.MinYear {
		log.Debug().Int("model_year", record.ModelYear).Int("min_year", entry.MinYear).Msg("Listing below minimum year")
		return false, nil
	}

	record.Images = c.harvestImages(ctx, entry, stub)

	if err := sink.Apply(ctx, record); err != nil {
		return false, err
	}
	return true, nil
}

func (c *SegmentCrawler) harvestImages(ctx context.Context, entry config.CatalogEntry, stub ListingStub) []ImageRecord {
	if c.drivers == nil || c.harvester == nil {
		return nil
	}

	driver, err := c.drivers.Acquire(ctx)
	if err != nil {
		logger.ForGallery().Warn().Err(err).Str("source_id", stub.SourceID).Msg("No browser available")
		return nil
	}

	images, err := c.harvester.Harvest(ctx, driver, stub.DetailURL, entry.DisplayName())
	c.drivers.Release(driver, err != nil)
	return images
}

// pageDelay returns a jittered pause between page fetches
func (c *SegmentCrawler) pageDelay() time.Duration {
	span := c.pageDelayMax - c.pageDelayMin
	if span <= 0 {
		return c.pageDelayMin
	}
	return c.pageDelayMin + time.Duration(rand.Int64N(int64(span)))
}
