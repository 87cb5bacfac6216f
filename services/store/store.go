package store

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"sjsage522/listingworker/internal/crawler"
)

// ErrNotFound is returned by LookupListing for an unknown listing
var ErrNotFound = stderrors.New("listing not found")

// Store persists listings, their galleries and crawl run summaries.
// Every write is idempotent under retries.
type Store interface {
	// Migrate creates the schema if it does not exist
	Migrate(ctx context.Context) error

	// GetActiveSourceIDs maps the source IDs of active or relisted listings of a segment to their row IDs
	GetActiveSourceIDs(ctx context.Context, site, segment string) (map[string]int64, error)

	// LookupListing returns the stored listing or ErrNotFound
	LookupListing(ctx context.Context, site, sourceID string) (*crawler.ListingRecord, error)

	// UpsertListing inserts or updates a listing keyed by (site, source ID) and returns its row ID.
	// UpdatedAt only moves when a stored field actually changes.
	UpsertListing(ctx context.Context, record *crawler.ListingRecord) (int64, error)

	// MarkSold flags a listing as sold and appends note to its audit trail
	MarkSold(ctx context.Context, id int64, at time.Time, note string) error

	// InsertImages stores a gallery for a listing that has none yet and returns how many rows were written
	InsertImages(ctx context.Context, listingID int64, images []crawler.ImageRecord) (int, error)

	// SetDescription stores generated text and marks the description ready
	SetDescription(ctx context.Context, id int64, text string) error

	// PendingDescriptions lists listings of a segment still waiting for a description
	PendingDescriptions(ctx context.Context, site, segment string, limit int) ([]*crawler.ListingRecord, error)

	// StartRun records a run in running state
	StartRun(ctx context.Context, summary *crawler.CrawlRunSummary) error

	// FinishRun writes the final counters and status of a run
	FinishRun(ctx context.Context, summary *crawler.CrawlRunSummary) error

	// PruneRuns deletes finished runs started before the cutoff and returns how many were removed
	PruneRuns(ctx context.Context, before time.Time) (int, error)

	// Close releases the store's connections
	Close() error
}

// NoteDateLayout is the timestamp format used in audit notes
const NoteDateLayout = "2006-01-02"

// NoteEntry formats a tagged, dated audit note such as "[RELISTED: 2024-05-01]"
func NoteEntry(tag string, at time.Time) string {
	return "[" + tag + ": " + at.Format(NoteDateLayout) + "]"
}

// AppendNote adds entry to an audit note trail
func AppendNote(notes, entry string) string {
	return strings.TrimSpace(notes + " " + entry)
}
