package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sjsage522/listingworker/config"
	"sjsage522/listingworker/helpers"
	"sjsage522/listingworker/internal/crawler"
	"sjsage522/listingworker/internal/reconcile"
	"sjsage522/listingworker/services/publisher"
	"sjsage522/listingworker/services/store"
	"sjsage522/listingworker/services/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchPath = "/usedcar/bTO/s071/index.html"

// marketplace serves search and detail pages shaped like CarSensor's
type marketplace struct {
	mu       sync.Mutex
	listed   []string
	failing  bool
	requests map[string]int
}

func (m *marketplace) list(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listed = ids
}

func (m *marketplace) fail(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *marketplace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.URL.Path]++

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case r.URL.Path == searchPath:
		if m.failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var b strings.Builder
		b.WriteString(`<html><body><div class="list">`)
		for _, id := range m.listed {
			fmt.Fprintf(&b, `<div class="cassetteMain"><div class="cassetteMain__mainImg"><a href="/usedcar/detail/%s/index.html"><img alt="Toyota Prado"></a></div></div>`, id)
		}
		b.WriteString(`</div></body></html>`)
		fmt.Fprint(w, b.String())
	case strings.HasPrefix(r.URL.Path, "/usedcar/detail/"):
		fmt.Fprint(w, `<html><head><title>トヨタ ランドクルーザープラド 2.7 TX｜中古車なら【カーセンサーnet】</title></head><body>
			<h1 class="title1">トヨタ ランドクルーザープラド 2.7 TX</h1>
			<div class="totalPrice"><span class="totalPrice__mainPriceNum">350</span><span class="totalPrice__subPriceNum">.5</span>万円</div>
			<div class="specList__detailBox"><dl><dt>年式</dt><dd>2019(R01)</dd><dt>走行距離</dt><dd>3.2万km</dd><dt>修復歴</dt><dd>なし</dd></dl></div>
			<div class="cassetteSub__area"><p>東京都八王子市</p></div>
		</body></html>`)
	default:
		http.NotFound(w, r)
	}
}

// capturePublisher records events in publish order
type capturePublisher struct {
	mu     sync.Mutex
	events []publisher.Event
}

func (p *capturePublisher) Publish(key string, message []byte) error {
	var ev publisher.Event
	if err := json.Unmarshal(message, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) TrimStreams() error { return nil }

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(t publisher.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type pipeline struct {
	market *marketplace
	store  *store.MemoryStore
	pub    *capturePublisher
	worker *worker.Worker
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	market := &marketplace{requests: make(map[string]int)}
	server := httptest.NewServer(market)
	t.Cleanup(server.Close)

	entry := config.CatalogEntry{
		Segment:      "toyota-prado",
		Site:         config.SiteCarSensor,
		Manufacturer: "Toyota",
		Model:        "Prado",
		SearchURL:    server.URL + searchPath,
	}

	fetcher := helpers.NewFetcher(helpers.FetcherConfig{
		MaxAttempts:    2,
		ConnectTimeout: time.Second,
		Timeout:        5 * time.Second,
		RPS:            1000,
		Burst:          100,
	}, nil)

	rules, err := crawler.RulesFor(entry.Site)
	require.NoError(t, err)

	segmentCrawler := crawler.NewSegmentCrawler(fetcher, crawler.NewExtractor(rules), nil, nil, crawler.SegmentCrawlerConfig{
		Policy:      crawler.DefaultStopPolicy(),
		Concurrency: 3,
	})

	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	engine := reconcile.NewEngine(st, nil, pub)

	w := worker.NewWorker(context.Background(), []config.CatalogEntry{entry}, []crawler.Crawler{segmentCrawler}, engine, pub, worker.Options{RunOnce: true})

	return &pipeline{market: market, store: st, pub: pub, worker: w}
}

func (p *pipeline) pass(t *testing.T) crawler.CrawlRunSummary {
	t.Helper()
	summaries := p.worker.RunPass()
	require.Len(t, summaries, 1)
	return summaries[0]
}

func (p *pipeline) availability(t *testing.T, sourceID string) crawler.Availability {
	t.Helper()
	rec, err := p.store.LookupListing(context.Background(), config.SiteCarSensor, sourceID)
	require.NoError(t, err)
	return rec.Availability
}

func TestIntegration(t *testing.T) {
	p := newPipeline(t)

	// First pass inserts every listed vehicle
	p.market.list("AU1001", "AU1002", "AU1003")
	summary := p.pass(t)

	assert.Equal(t, crawler.RunCompleted, summary.Status)
	assert.Equal(t, crawler.StopShortPage, summary.StopReason)
	assert.Equal(t, 3, summary.New)
	assert.Equal(t, 3, p.store.Len())
	assert.Equal(t, 3, p.pub.count(publisher.EventListingCreated))
	assert.Equal(t, 3, p.pub.count(publisher.EventDescriptionPending))

	rec, err := p.store.LookupListing(context.Background(), config.SiteCarSensor, "AU1001")
	require.NoError(t, err)
	assert.Equal(t, int64(3505000), rec.PriceMinor)
	assert.Equal(t, 2019, rec.ModelYear)
	assert.Equal(t, "東京都", rec.Prefecture)

	stored, ok := p.store.Run(summary.RunID)
	require.True(t, ok)
	assert.Equal(t, crawler.RunCompleted, stored.Status)

	// A vanished listing is marked sold
	p.market.list("AU1001", "AU1003")
	summary = p.pass(t)

	assert.Equal(t, 2, summary.Updated)
	assert.Equal(t, 1, summary.Sold)
	assert.Equal(t, crawler.AvailabilitySold, p.availability(t, "AU1002"))

	// Its return is a relist, not a new listing
	p.market.list("AU1001", "AU1002", "AU1003")
	summary = p.pass(t)

	assert.Equal(t, 1, summary.Relisted)
	assert.Equal(t, 0, summary.New)
	assert.Equal(t, crawler.AvailabilityRelisted, p.availability(t, "AU1002"))
	assert.Equal(t, 1, p.pub.count(publisher.EventListingRelisted))
}

func TestIntegrationFailedCrawlKeepsListings(t *testing.T) {
	p := newPipeline(t)

	p.market.list("AU2001", "AU2002")
	p.pass(t)

	p.market.fail(true)
	summary := p.pass(t)

	assert.Equal(t, crawler.RunFailed, summary.Status)
	assert.Equal(t, crawler.StopFetchFailed, summary.StopReason)
	assert.Equal(t, 0, summary.Sold)
	assert.Equal(t, crawler.AvailabilityActive, p.availability(t, "AU2001"))
	assert.Equal(t, crawler.AvailabilityActive, p.availability(t, "AU2002"))
	assert.Equal(t, 0, p.pub.count(publisher.EventListingSold))
}
