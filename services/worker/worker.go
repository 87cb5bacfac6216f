package worker

import (
	"context"
	"time"

	"sjsage522/listingworker/config"
	"sjsage522/listingworker/helpers"
	"sjsage522/listingworker/internal/crawler"
	"sjsage522/listingworker/internal/reconcile"
	"sjsage522/listingworker/logger"
	"sjsage522/listingworker/services/publisher"
)

// Options controls the worker's schedule
type Options struct {
	CrawlInterval time.Duration
	SegmentDelay  time.Duration
	RunOnce       bool
	// Pending descriptions retried per segment after its crawl; 0 disables the retry
	DescribeLimit int
	// Finished runs older than this are deleted after each pass; 0 keeps them forever
	RunRetention time.Duration
}

// Worker runs every catalog segment in order, then sleeps until the next pass
type Worker struct {
	ctx       context.Context
	catalog   []config.CatalogEntry
	crawlers  map[string]crawler.Crawler
	engine    *reconcile.Engine
	publisher publisher.Publisher
	opts      Options
}

// NewWorker creates a new worker. Crawlers are matched to catalog entries by site name.
func NewWorker(
	ctx context.Context,
	catalog []config.CatalogEntry,
	crawlers []crawler.Crawler,
	engine *reconcile.Engine,
	pub publisher.Publisher,
	opts Options,
) *Worker {
	bySite := make(map[string]crawler.Crawler, len(crawlers))
	for _, c := range crawlers {
		bySite[c.GetName()] = c
	}
	return &Worker{
		ctx:       ctx,
		catalog:   catalog,
		crawlers:  bySite,
		engine:    engine,
		publisher: pub,
		opts:      opts,
	}
}

// Start runs passes until the context is cancelled, or once with RunOnce
func (w *Worker) Start() {
	log := logger.ForWorker()
	for {
		start := time.Now()
		summaries := w.RunPass()
		log.Info().
			Int("segments", len(summaries)).
			Dur("elapsed", time.Since(start)).
			Msg("Crawl pass finished")

		if w.opts.RunOnce {
			return
		}
		if err := helpers.Sleep(w.ctx, w.opts.CrawlInterval); err != nil {
			log.Info().Msg("Worker stopped")
			return
		}
	}
}

// RunPass crawls every segment sequentially, then trims the streams and prunes old runs
func (w *Worker) RunPass() []crawler.CrawlRunSummary {
	log := logger.ForWorker()
	var summaries []crawler.CrawlRunSummary

	for i, entry := range w.catalog {
		if w.ctx.Err() != nil {
			break
		}
		if i > 0 {
			if err := helpers.Sleep(w.ctx, w.opts.SegmentDelay); err != nil {
				break
			}
		}

		summary, ok := w.runSegment(entry)
		if ok {
			summaries = append(summaries, summary)
		}
	}

	// Trim all streams after crawling
	if err := w.publisher.TrimStreams(); err != nil {
		log.Error().Err(err).Msg("Stream trimming failed")
	}

	if w.opts.RunRetention > 0 && w.ctx.Err() == nil {
		pruned, err := w.engine.PruneRuns(w.ctx, w.opts.RunRetention)
		if err != nil {
			log.Error().Err(err).Msg("Run pruning failed")
		} else if pruned > 0 {
			log.Info().Int("pruned", pruned).Msg("Old crawl runs pruned")
		}
	}
	return summaries
}

// runSegment crawls one segment into a reconciliation run
func (w *Worker) runSegment(entry config.CatalogEntry) (crawler.CrawlRunSummary, bool) {
	log := logger.ForSegment(entry.Segment)

	c, ok := w.crawlers[entry.Site]
	if !ok {
		log.Error().Str("site", entry.Site).Msg("No crawler for site")
		return crawler.CrawlRunSummary{}, false
	}

	run, err := w.engine.Begin(w.ctx, entry)
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation run could not start")
		return crawler.CrawlRunSummary{}, false
	}

	log.Info().Str("run_id", run.ID()).Str("search_url", entry.SearchURL).Msg("Segment crawl started")
	result := c.Crawl(w.ctx, entry, run)

	summary, err := run.Finalize(w.ctx, result)
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation run finished with errors")
	}

	if w.opts.DescribeLimit > 0 && w.ctx.Err() == nil {
		if _, err := w.engine.DescribePending(w.ctx, entry, w.opts.DescribeLimit); err != nil {
			log.Warn().Err(err).Msg("Pending descriptions not retried")
		}
	}
	return summary, true
}
