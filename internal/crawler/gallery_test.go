package crawler

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHarvester(maxRetries int) *GalleryHarvester {
	return NewGalleryHarvester(GalleryConfig{
		MaxIterations:  50,
		MaxRetries:     maxRetries,
		RetryPause:     time.Millisecond,
		AttemptTimeout: time.Second,
		ImagePattern:   regexp.MustCompile(`^https?://ccsrpcm[al]\.carsensor\.net/`),
	})
}

func TestHarvestWrappingGallery(t *testing.T) {
	driver := &fakeGalleryDriver{images: galleryImages(5), wrap: true}

	images, err := testHarvester(2).Harvest(context.Background(), driver, detailURL("AU000001"), "Toyota Land Cruiser")
	require.NoError(t, err)
	require.Len(t, images, 5)

	for i, img := range images {
		assert.Equal(t, driver.images[i], img.OriginURL)
		assert.Equal(t, i, img.Order)
		assert.Equal(t, i == 0, img.IsPrimary)
	}
	assert.Equal(t, "image_001.jpg", images[0].FileName)
	assert.Equal(t, "Toyota Land Cruiser Image 5", images[4].AltText)
	assert.Equal(t, 1, driver.opens)
}

func TestHarvestStopsAtDisabledNext(t *testing.T) {
	driver := &fakeGalleryDriver{images: galleryImages(3)}

	images, err := testHarvester(0).Harvest(context.Background(), driver, detailURL("AU000001"), "x")
	require.NoError(t, err)
	assert.Len(t, images, 3)
}

func TestHarvestBoundedByMaxIterations(t *testing.T) {
	driver := &fakeGalleryDriver{images: galleryImages(80)}
	h := NewGalleryHarvester(GalleryConfig{MaxIterations: 10})

	images, err := h.Harvest(context.Background(), driver, detailURL("AU000001"), "x")
	require.NoError(t, err)
	assert.Len(t, images, 10)
}

func TestHarvestSkipsForeignImages(t *testing.T) {
	imgs := galleryImages(3)
	imgs[1] = "https://www.carsensor.net/static/banner.png"
	driver := &fakeGalleryDriver{images: imgs}

	images, err := testHarvester(0).Harvest(context.Background(), driver, detailURL("AU000001"), "x")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, imgs[0], images[0].OriginURL)
	assert.Equal(t, imgs[2], images[1].OriginURL)
	assert.Equal(t, 1, images[1].Order)
}

func TestHarvestMissingExpandControl(t *testing.T) {
	driver := &fakeGalleryDriver{images: galleryImages(5), expandMissing: true}

	images, err := testHarvester(2).Harvest(context.Background(), driver, detailURL("AU000001"), "x")
	require.NoError(t, err)
	assert.Empty(t, images)
	assert.Equal(t, 3, driver.opens, "one attempt plus two retries")
}

func TestHarvestRecoversOnRetry(t *testing.T) {
	driver := &fakeGalleryDriver{images: galleryImages(4), failOpens: 1}

	images, err := testHarvester(2).Harvest(context.Background(), driver, detailURL("AU000001"), "x")
	require.NoError(t, err)
	assert.Len(t, images, 4)
	assert.Equal(t, 2, driver.opens)
}

func TestHarvestEmptyGalleryFails(t *testing.T) {
	driver := &fakeGalleryDriver{}

	images, err := testHarvester(1).Harvest(context.Background(), driver, detailURL("AU000001"), "x")
	require.NoError(t, err)
	assert.Empty(t, images)
	assert.Equal(t, 2, driver.opens)
}

func TestHarvestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	driver := &fakeGalleryDriver{failOpens: 10}

	images, err := testHarvester(5).Harvest(ctx, driver, detailURL("AU000001"), "x")
	require.NoError(t, err)
	assert.Empty(t, images)
	assert.Equal(t, 1, driver.opens)
}

func TestHarvestReportsLostBrowser(t *testing.T) {
	driver := &fakeGalleryDriver{images: galleryImages(3), failOpens: 10, dead: errors.New("websocket closed")}

	images, err := testHarvester(2).Harvest(context.Background(), driver, detailURL("AU000001"), "x")
	assert.Empty(t, images)
	assert.ErrorIs(t, err, ErrBrowserLost)
	assert.Equal(t, 1, driver.opens, "no retries on a dead browser")
}

func TestHarvestPageNeverOpens(t *testing.T) {
	driver := &fakeGalleryDriver{images: galleryImages(3), failOpens: 10}

	images, err := testHarvester(2).Harvest(context.Background(), driver, detailURL("AU000001"), "x")
	assert.Empty(t, images)
	assert.ErrorIs(t, err, ErrBrowserLost)
	assert.Equal(t, 3, driver.opens)
}

func TestImageExt(t *testing.T) {
	assert.Equal(t, ".jpg", imageExt("https://ccsrpcma.carsensor.net/a/001.JPG"))
	assert.Equal(t, ".webp", imageExt("https://ccsrpcma.carsensor.net/a/001.webp?w=800"))
	assert.Equal(t, ".jpg", imageExt("https://ccsrpcma.carsensor.net/a/photo"))
}

func TestDriverPoolReuse(t *testing.T) {
	var mu sync.Mutex
	started := 0
	pool := NewDriverPool(2, func() (GalleryDriver, error) {
		mu.Lock()
		defer mu.Unlock()
		started++
		return &fakeGalleryDriver{}, nil
	})

	ctx := context.Background()
	d1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(d1, false)

	d2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	assert.Equal(t, 1, started)

	// A broken browser is closed and replaced on next acquire
	pool.Release(d2, true)
	assert.True(t, d2.(*fakeGalleryDriver).closed)

	d3, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, d2, d3)
	assert.Equal(t, 2, started)

	pool.Close()
	assert.True(t, d3.(*fakeGalleryDriver).closed)
	pool.Release(d3, false)

	_, err = pool.Acquire(ctx)
	assert.Error(t, err)
}

func TestDriverPoolBlocksAtCapacity(t *testing.T) {
	pool := NewDriverPool(1, func() (GalleryDriver, error) {
		return &fakeGalleryDriver{}, nil
	})
	defer pool.Close()

	d, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Release(d, false)
}

func TestDriverPoolFactoryError(t *testing.T) {
	pool := NewDriverPool(1, func() (GalleryDriver, error) {
		return nil, errors.New("chrome not found")
	})

	_, err := pool.Acquire(context.Background())
	assert.Error(t, err)

	// The slot was returned
	_, err = pool.Acquire(context.Background())
	assert.EqualError(t, err, "chrome not found")
}
