package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeOptions configures a headless browser
type ChromeOptions struct {
	ExecPath  string
	Headless  bool
	UserAgent string
	// How long to wait for the main photo to change after a click
	Settle time.Duration
}

// ChromeDriver is a GalleryDriver backed by one chromedp browser process
type ChromeDriver struct {
	selectors GallerySelectors
	settle    time.Duration

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ GalleryDriver = (*ChromeDriver)(nil)

// NewChromeDriver starts a browser for the given gallery selectors
func NewChromeDriver(opts ChromeOptions, selectors GallerySelectors) (*ChromeDriver, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1366, 900),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if path := findChromeBinary(opts.ExecPath); path != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(path))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	// Running an empty action list starts the browser
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	settle := opts.Settle
	if settle <= 0 {
		settle = 2 * time.Second
	}

	return &ChromeDriver{
		selectors:     selectors,
		settle:        settle,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Open navigates a new tab to url; the tab dies with ctx
func (d *ChromeDriver) Open(ctx context.Context, url string) (GallerySession, error) {
	tabCtx, tabCancel := chromedp.NewContext(d.browserCtx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		tabCtx, cancelDeadline = context.WithDeadline(tabCtx, deadline)
		prev := tabCancel
		tabCancel = func() { cancelDeadline(); prev() }
	}
	stop := context.AfterFunc(ctx, tabCancel)

	s := &chromeSession{
		ctx:       tabCtx,
		selectors: d.selectors,
		settle:    d.settle,
		cancel: func() {
			stop()
			tabCancel()
		},
	}

	if err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		s.Close()
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	return s, nil
}

// Err reports a crashed or cancelled browser
func (d *ChromeDriver) Err() error {
	if err := d.browserCtx.Err(); err != nil {
		return fmt.Errorf("chrome browser: %w", err)
	}
	return nil
}

// Close terminates the browser process
func (d *ChromeDriver) Close() error {
	d.browserCancel()
	d.allocCancel()
	return nil
}

type chromeSession struct {
	ctx       context.Context
	selectors GallerySelectors
	settle    time.Duration
	cancel    func()
}

func (s *chromeSession) Expand(_ context.Context) (bool, error) {
	var clicked bool
	if err := chromedp.Run(s.ctx, chromedp.Evaluate(clickScript(s.selectors.Expand), &clicked)); err != nil {
		return false, err
	}
	if !clicked {
		return false, nil
	}
	return true, s.waitForImage()
}

func (s *chromeSession) SelectFirstThumbnail(_ context.Context) error {
	var clicked bool
	if err := chromedp.Run(s.ctx, chromedp.Evaluate(clickScript(s.selectors.FirstThumbnail), &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("no element matches %q", s.selectors.FirstThumbnail)
	}
	return chromedp.Run(s.ctx, chromedp.Sleep(s.settle/4))
}

func (s *chromeSession) CurrentImage(_ context.Context) (string, error) {
	var src string
	err := chromedp.Run(s.ctx, chromedp.Evaluate(imageScript(s.selectors.MainImage), &src))
	return src, err
}

func (s *chromeSession) Advance(ctx context.Context) (bool, error) {
	before, err := s.CurrentImage(ctx)
	if err != nil {
		return false, err
	}

	var clicked bool
	if err := chromedp.Run(s.ctx, chromedp.Evaluate(advanceScript(s.selectors.Next), &clicked)); err != nil {
		return false, err
	}
	if !clicked {
		return false, nil
	}

	// The photo swaps asynchronously; a photo that never changes ends iteration upstream
	deadline := time.Now().Add(s.settle)
	for time.Now().Before(deadline) {
		if err := chromedp.Run(s.ctx, chromedp.Sleep(100*time.Millisecond)); err != nil {
			return false, err
		}
		current, err := s.CurrentImage(ctx)
		if err != nil {
			return false, err
		}
		if current != before {
			break
		}
	}
	return true, nil
}

func (s *chromeSession) Close() {
	s.cancel()
}

// waitForImage polls until the main photo element has a source
func (s *chromeSession) waitForImage() error {
	deadline := time.Now().Add(s.settle)
	for time.Now().Before(deadline) {
		src, err := s.CurrentImage(s.ctx)
		if err != nil {
			return err
		}
		if src != "" {
			return nil
		}
		if err := chromedp.Run(s.ctx, chromedp.Sleep(100*time.Millisecond)); err != nil {
			return err
		}
	}
	return nil
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func clickScript(selector string) string {
	return fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.click();
		return true;
	})()`, jsString(selector))
}

func imageScript(selector string) string {
	return fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "";
		return el.currentSrc || el.src || el.getAttribute("data-src") || "";
	})()`, jsString(selector))
}

func advanceScript(selector string) string {
	return fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el || el.disabled || el.offsetParent === null) return false;
		if (el.getAttribute("aria-disabled") === "true") return false;
		if (/(^|\s)(is-)?disabled(\s|$)/.test(el.className)) return false;
		el.click();
		return true;
	})()`, jsString(selector))
}

// findChromeBinary prefers an explicit path, then CHROME_BIN, then well known names
func findChromeBinary(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("CHROME_BIN"); env != "" {
		return env
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}
