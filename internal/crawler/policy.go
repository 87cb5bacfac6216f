package crawler

import "fmt"

// PageDecision tells the crawler what to do with the current page
type PageDecision int

const (
	// ContinueCrawl processes the page and fetches the next one
	ContinueCrawl PageDecision = iota
	// StopAfterPage processes the page, then ends pagination
	StopAfterPage
	// StopBeforePage ends pagination without processing the page
	StopBeforePage
)

func (d PageDecision) String() string {
	switch d {
	case ContinueCrawl:
		return "continue"
	case StopAfterPage:
		return "stop_after_page"
	case StopBeforePage:
		return "stop_before_page"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Stop reasons reported in run summaries
const (
	StopNoStubs       = "no_stubs"
	StopShortPage     = "short_final_page"
	StopDuplicates    = "duplicate_ratio"
	StopAllDuplicates = "all_duplicates"
	StopPageCeiling   = "page_ceiling"
	StopPageNotFound  = "page_not_found"
	StopFetchFailed   = "page_fetch_failed"
	StopCancelled     = "cancelled"
)

// StopPolicy decides when pagination has run past the end of the results.
// The thresholds are tuned per catalog rather than fixed.
type StopPolicy struct {
	ExpectedPageSize  int
	MaxDuplicateRatio float64
	PageCeiling       int
}

// DefaultStopPolicy returns the thresholds used by the CarSensor catalog
func DefaultStopPolicy() StopPolicy {
	return StopPolicy{
		ExpectedPageSize:  30,
		MaxDuplicateRatio: 0.8,
		PageCeiling:       50,
	}
}

// Decide classifies a page from its stub count and how many of them were already seen.
// expectedPageSize overrides the policy default when positive.
func (p StopPolicy) Decide(total, duplicates, expectedPageSize int) (PageDecision, string) {
	if total == 0 {
		return StopBeforePage, StopNoStubs
	}

	ratio := float64(duplicates) / float64(total)
	if duplicates == total {
		return StopBeforePage, StopAllDuplicates
	}
	if ratio > p.MaxDuplicateRatio {
		return StopBeforePage, StopDuplicates
	}

	if expectedPageSize <= 0 {
		expectedPageSize = p.ExpectedPageSize
	}
	if total < expectedPageSize && duplicates == 0 {
		return StopAfterPage, StopShortPage
	}
	return ContinueCrawl, ""
}

// Ceiling returns the page bound for a catalog entry
func (p StopPolicy) Ceiling(maxPages int) int {
	ceiling := p.PageCeiling
	if ceiling <= 0 {
		ceiling = 50
	}
	if maxPages > 0 && maxPages < ceiling {
		return maxPages
	}
	return ceiling
}
