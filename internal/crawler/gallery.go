package crawler

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"sjsage522/listingworker/helpers"
	"sjsage522/listingworker/logger"
	"sjsage522/listingworker/pkg/errors"
)

// GalleryState is a state of the gallery harvesting machine
type GalleryState string

const (
	GalleryClosed    GalleryState = "closed"
	GalleryExpanded  GalleryState = "expanded"
	GalleryIterating GalleryState = "iterating"
	GalleryDone      GalleryState = "done"
	GalleryFailed    GalleryState = "failed"
)

// GalleryDriver is one browser instance. It must not be shared between goroutines.
type GalleryDriver interface {
	// Open loads a detail page in a fresh tab bounded by ctx
	Open(ctx context.Context, url string) (GallerySession, error)

	// Err is non-nil once the browser can no longer open pages
	Err() error

	// Close terminates the browser
	Close() error
}

// GallerySession is one loaded detail page
type GallerySession interface {
	// Expand activates the gallery's expand control; false means the control is absent
	Expand(ctx context.Context) (bool, error)

	// SelectFirstThumbnail resets the gallery to its first photo
	SelectFirstThumbnail(ctx context.Context) error

	// CurrentImage returns the URL of the photo on display
	CurrentImage(ctx context.Context) (string, error)

	// Advance moves to the next photo; false means the next control is disabled or absent
	Advance(ctx context.Context) (bool, error)

	// Close releases the tab
	Close()
}

// GalleryConfig bounds the gallery harvester
type GalleryConfig struct {
	MaxIterations  int
	MaxRetries     int
	RetryPause     time.Duration
	AttemptTimeout time.Duration
	ImagePattern   *regexp.Regexp
}

// GalleryHarvester enumerates every photo of a client-rendered gallery
type GalleryHarvester struct {
	cfg GalleryConfig
}

// NewGalleryHarvester creates a harvester
func NewGalleryHarvester(cfg GalleryConfig) *GalleryHarvester {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &GalleryHarvester{cfg: cfg}
}

// ErrBrowserLost is returned by Harvest when the driver is unusable and must be replaced
var ErrBrowserLost = stderrors.New("gallery browser lost")

// Harvest runs the gallery machine, retrying it from closed on failure.
// A listing whose gallery never yields a photo gets zero images. The error is
// ErrBrowserLost when the browser died or no attempt could open the page.
func (h *GalleryHarvester) Harvest(ctx context.Context, driver GalleryDriver, detailURL, altPrefix string) ([]ImageRecord, error) {
	log := logger.ForGallery().WithField("url", detailURL)

	openFailures := 0
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := helpers.Sleep(ctx, h.cfg.RetryPause); err != nil {
				return nil, nil
			}
		}

		urls, state, err := h.run(ctx, driver, detailURL)
		if state == GalleryDone {
			log.Debug().Int("images", len(urls)).Int("attempt", attempt+1).Msg("Gallery harvested")
			return toImageRecords(urls, altPrefix), nil
		}

		log.Warn().Err(err).Int("attempt", attempt+1).Msg("Gallery attempt failed")
		if ctx.Err() != nil {
			return nil, nil
		}
		if derr := driver.Err(); derr != nil {
			log.Error().Err(derr).Msg("Gallery browser lost")
			return nil, fmt.Errorf("%w: %v", ErrBrowserLost, derr)
		}
		if errors.IsType(err, errors.ErrorTypeTransientFetch) {
			openFailures++
		}
	}

	if openFailures > h.cfg.MaxRetries {
		log.Error().Int("attempts", openFailures).Msg("Gallery page never opened, replacing browser")
		return nil, ErrBrowserLost
	}
	log.Warn().Msg("Gallery failed on every attempt, continuing without images")
	return nil, nil
}

// run is one pass of closed -> expanded -> iterating -> done|failed
func (h *GalleryHarvester) run(ctx context.Context, driver GalleryDriver, detailURL string) ([]string, GalleryState, error) {
	if h.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.AttemptTimeout)
		defer cancel()
	}

	state := GalleryClosed
	session, err := driver.Open(ctx, detailURL)
	if err != nil {
		return nil, GalleryFailed, errors.NewTransientFetch(detailURL, "open gallery page", err)
	}
	defer session.Close()

	found, err := session.Expand(ctx)
	if err != nil {
		return nil, GalleryFailed, errors.NewStructuralExtraction(detailURL, "expand gallery", err)
	}
	if !found {
		return nil, GalleryFailed, errors.NewStructuralExtraction(detailURL, "gallery expand control not found", nil)
	}
	state = GalleryExpanded

	// Clears non-photo modes such as 360 degree views
	if err := session.SelectFirstThumbnail(ctx); err != nil {
		logger.ForGallery().Debug().Err(err).Str("url", detailURL).Msg("First thumbnail not selectable")
	}
	state = GalleryIterating

	var urls []string
	seen := make(map[string]bool)
	for i := 0; i < h.cfg.MaxIterations; i++ {
		current, err := session.CurrentImage(ctx)
		if err != nil {
			break
		}
		if len(urls) > 0 && current == urls[0] {
			break
		}
		if current != "" && !seen[current] && h.matches(current) {
			seen[current] = true
			urls = append(urls, current)
		}

		advanced, err := session.Advance(ctx)
		if err != nil || !advanced {
			break
		}
	}

	if len(urls) == 0 {
		return nil, GalleryFailed, errors.NewStructuralExtraction(detailURL, fmt.Sprintf("no images collected in state %s", state), nil)
	}
	return urls, GalleryDone, nil
}

func (h *GalleryHarvester) matches(u string) bool {
	return h.cfg.ImagePattern == nil || h.cfg.ImagePattern.MatchString(u)
}

func toImageRecords(urls []string, altPrefix string) []ImageRecord {
	images := make([]ImageRecord, 0, len(urls))
	for i, u := range urls {
		images = append(images, ImageRecord{
			OriginURL: u,
			FileName:  fmt.Sprintf("image_%03d%s", i+1, imageExt(u)),
			AltText:   fmt.Sprintf("%s Image %d", altPrefix, i+1),
			Order:     i,
			IsPrimary: i == 0,
		})
	}
	return images
}

func imageExt(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(path.Ext(u))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return ext
	default:
		return ".jpg"
	}
}

// DriverPool hands out one browser per concurrent worker, starting them lazily
type DriverPool struct {
	factory func() (GalleryDriver, error)
	slots   chan struct{}

	mu     sync.Mutex
	idle   []GalleryDriver
	all    []GalleryDriver
	closed bool
}

// NewDriverPool creates a pool of at most size browsers
func NewDriverPool(size int, factory func() (GalleryDriver, error)) *DriverPool {
	if size < 1 {
		size = 1
	}
	return &DriverPool{
		factory: factory,
		slots:   make(chan struct{}, size),
	}
}

// Acquire blocks until a browser is free
func (p *DriverPool) Acquire(ctx context.Context) (GalleryDriver, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, fmt.Errorf("driver pool closed")
	}
	if n := len(p.idle); n > 0 {
		d := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return d, nil
	}
	p.mu.Unlock()

	d, err := p.factory()
	if err != nil {
		<-p.slots
		return nil, err
	}

	p.mu.Lock()
	p.all = append(p.all, d)
	p.mu.Unlock()
	return d, nil
}

// Release returns a browser to the pool. A browser that hit a fatal error
// should be passed with broken=true so it is terminated and replaced.
func (p *DriverPool) Release(d GalleryDriver, broken bool) {
	p.mu.Lock()
	if broken || p.closed {
		p.remove(d)
		p.mu.Unlock()
		d.Close()
	} else {
		p.idle = append(p.idle, d)
		p.mu.Unlock()
	}
	<-p.slots
}

// Close terminates every browser the pool started
func (p *DriverPool) Close() {
	p.mu.Lock()
	p.closed = true
	all := p.all
	p.all, p.idle = nil, nil
	p.mu.Unlock()

	for _, d := range all {
		d.Close()
	}
}

func (p *DriverPool) remove(d GalleryDriver) {
	for i, x := range p.all {
		if x == d {
			p.all = append(p.all[:i], p.all[i+1:]...)
			break
		}
	}
}
