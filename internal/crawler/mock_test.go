package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"sjsage522/listingworker/config"
	"sjsage522/listingworker/pkg/errors"
)

const testSearchURL = "https://www.carsensor.net/usedcar/bTO/s071/index.html"

func testEntry() config.CatalogEntry {
	return config.CatalogEntry{
		Segment:          "toyota-land-cruiser",
		Site:             config.SiteCarSensor,
		Manufacturer:     "Toyota",
		Model:            "Land Cruiser",
		SearchURL:        testSearchURL,
		MaxPages:         50,
		ExpectedPageSize: 30,
	}
}

func testID(n int) string {
	return fmt.Sprintf("AU%06d", n)
}

func detailURL(id string) string {
	return "https://www.carsensor.net/usedcar/detail/" + id + "/index.html"
}

// searchPage renders a search result page listing the given ids
func searchPage(ids ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><div class=\"list\">")
	for _, id := range ids {
		fmt.Fprintf(&b, `<div class="cassetteMain">
			<div class="cassetteMain__mainImg"><a href="/usedcar/detail/%s/index.html"><img alt="Toyota Land Cruiser %s"></a></div>
		</div>`, id, id)
	}
	b.WriteString("</div></body></html>")
	return b.String()
}

// detailPage renders a minimal detail page
func detailPage(title, year, mileage, mainPrice, subPrice, area string) string {
	return fmt.Sprintf(`<html><head><title>%s｜中古車なら【カーセンサーnet】</title></head><body>
		<h1 class="title1">%s</h1>
		<div class="totalPrice"><span class="totalPrice__mainPriceNum">%s</span><span class="totalPrice__subPriceNum">%s</span>万円</div>
		<div class="specList__detailBox"><dl><dt>年式</dt><dd>%s</dd><dt>走行距離</dt><dd>%s</dd><dt>修復歴</dt><dd>なし</dd></dl></div>
		<div class="cassetteSub__area"><p>%s</p></div>
		<table class="defaultTable__table">
			<tr><th>ミッション</th><td>フロアAT</td><th>駆動方式</th><td>4WD</td></tr>
			<tr><th>色</th><td>パールホワイト</td><th>排気量</th><td>3955cc</td></tr>
		</table>
	</body></html>`, title, title, mainPrice, subPrice, year, mileage, area)
}

func defaultDetail() string {
	return detailPage("トヨタ ランドクルーザープラド 2.7 TX", "2019(R01)", "3.2万km", "350", ".5", "東京都八王子市")
}

// fakeFetcher serves canned bodies by URL
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls map[string]int
}

var _ Fetcher = (*fakeFetcher)(nil)

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]string),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if body, ok := f.pages[url]; ok {
		return []byte(body), nil
	}
	return nil, errors.NewNotFound(url, 404)
}

func (f *fakeFetcher) called(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// withListings registers a search page and detail pages for ids
func (f *fakeFetcher) withListings(page int, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[testEntry().PageURL(page)] = searchPage(ids...)
	for _, id := range ids {
		if _, ok := f.pages[detailURL(id)]; !ok {
			f.pages[detailURL(id)] = defaultDetail()
		}
	}
}

// recordingSink collects records handed over by the crawler
type recordingSink struct {
	mu      sync.Mutex
	records map[string]*ListingRecord
	err     map[string]error
}

var _ ListingSink = (*recordingSink)(nil)

func newRecordingSink() *recordingSink {
	return &recordingSink{records: make(map[string]*ListingRecord), err: make(map[string]error)}
}

func (s *recordingSink) Apply(ctx context.Context, record *ListingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.err[record.SourceID]; ok {
		return err
	}
	s.records[record.SourceID] = record
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeGalleryDriver simulates a one-photo-at-a-time gallery
type fakeGalleryDriver struct {
	mu            sync.Mutex
	images        []string
	wrap          bool
	expandMissing bool
	failOpens     int
	dead          error
	opens         int
	closed        bool
}

var _ GalleryDriver = (*fakeGalleryDriver)(nil)

func (d *fakeGalleryDriver) Open(ctx context.Context, url string) (GallerySession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.opens <= d.failOpens {
		return nil, fmt.Errorf("render timeout")
	}
	return &fakeGallerySession{driver: d, index: -1}, nil
}

func (d *fakeGalleryDriver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dead
}

func (d *fakeGalleryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fakeGallerySession struct {
	driver *fakeGalleryDriver
	// -1 until the first thumbnail is selected, which mimics a 360 view on load
	index int
}

func (s *fakeGallerySession) Expand(ctx context.Context) (bool, error) {
	return !s.driver.expandMissing, nil
}

func (s *fakeGallerySession) SelectFirstThumbnail(ctx context.Context) error {
	s.index = 0
	return nil
}

func (s *fakeGallerySession) CurrentImage(ctx context.Context) (string, error) {
	if s.index < 0 {
		return "https://www.carsensor.net/360view/player.html", nil
	}
	if len(s.driver.images) == 0 {
		return "", nil
	}
	return s.driver.images[s.index], nil
}

func (s *fakeGallerySession) Advance(ctx context.Context) (bool, error) {
	if len(s.driver.images) == 0 {
		return false, nil
	}
	if s.index == len(s.driver.images)-1 && !s.driver.wrap {
		return false, nil
	}
	s.index = (s.index + 1) % len(s.driver.images)
	return true, nil
}

func (s *fakeGallerySession) Close() {}

// singleDriverSource lends the same fake browser to every worker
type singleDriverSource struct {
	driver GalleryDriver
}

func (s *singleDriverSource) Acquire(ctx context.Context) (GalleryDriver, error) {
	return s.driver, nil
}

func (s *singleDriverSource) Release(d GalleryDriver, broken bool) {}

func galleryImages(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://ccsrpcma.carsensor.net/CSphoto/bkkn/123/%03d.JPG", i+1)
	}
	return out
}
