package reconcile

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"sjsage522/listingworker/config"
	"sjsage522/listingworker/internal/crawler"
	"sjsage522/listingworker/logger"
	"sjsage522/listingworker/services/description"
	"sjsage522/listingworker/services/publisher"
	"sjsage522/listingworker/services/store"

	"github.com/google/uuid"
)

// Audit note tags
const (
	NoteRelisted = "RELISTED"
	NoteSold     = "AUTO-DETECTED SOLD"
)

// Outcome is the transition applied to one observed listing
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeRefreshed Outcome = "refreshed"
	OutcomeRelisted  Outcome = "relisted"
)

// Engine reconciles crawled listings against the store
type Engine struct {
	store     store.Store
	describer description.Describer
	publisher publisher.Publisher
	now       func() time.Time
}

// NewEngine creates an engine. describer may be nil to leave descriptions pending.
func NewEngine(st store.Store, describer description.Describer, pub publisher.Publisher) *Engine {
	if pub == nil {
		pub = publisher.NopPublisher{}
	}
	return &Engine{
		store:     st,
		describer: describer,
		publisher: pub,
		now:       time.Now,
	}
}

// Run reconciles one crawl of one catalog segment. It is the crawler's ListingSink.
type Run struct {
	engine    *Engine
	entry     config.CatalogEntry
	activeIDs map[string]int64
	log       *logger.Logger

	mu      sync.Mutex
	summary crawler.CrawlRunSummary
}

var _ crawler.ListingSink = (*Run)(nil)

// Begin loads the segment's active listings once and records the run as running
func (e *Engine) Begin(ctx context.Context, entry config.CatalogEntry) (*Run, error) {
	active, err := e.store.GetActiveSourceIDs(ctx, entry.Site, entry.Segment)
	if err != nil {
		return nil, err
	}

	r := &Run{
		engine:    e,
		entry:     entry,
		activeIDs: active,
		summary: crawler.CrawlRunSummary{
			RunID:     uuid.NewString(),
			Site:      entry.Site,
			Segment:   entry.Segment,
			Status:    crawler.RunRunning,
			StartedAt: e.now(),
		},
	}
	r.log = logger.ForReconcile(entry.Segment).WithField("run_id", r.summary.RunID)

	if err := e.store.StartRun(ctx, &r.summary); err != nil {
		return nil, err
	}

	r.log.Info().Int("active", len(active)).Msg("Reconciliation run started")
	return r, nil
}

// ID returns the run ID
func (r *Run) ID() string {
	return r.summary.RunID
}

// Summary returns a snapshot of the counters
func (r *Run) Summary() crawler.CrawlRunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Apply inserts, refreshes or relists one observed listing, then stores its gallery
// and requests its description. Only a listing write failure is returned.
func (r *Run) Apply(ctx context.Context, rec *crawler.ListingRecord) error {
	e := r.engine
	now := e.now()
	log := r.log.WithField("source_id", rec.SourceID)

	existing, err := e.store.LookupListing(ctx, rec.SourceSite, rec.SourceID)
	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return err
	}

	outcome := transition(rec, existing, now)

	id, err := e.store.UpsertListing(ctx, rec)
	if err != nil {
		return err
	}
	rec.ID = id

	if len(rec.Images) > 0 {
		n, err := e.store.InsertImages(ctx, id, rec.Images)
		if err != nil {
			// The listing is committed; the gallery is retried on the next run
			log.Warn().Err(err).Msg("Gallery not stored")
			r.count(func(s *crawler.CrawlRunSummary) { s.Errors++ })
		} else if n > 0 {
			log.Debug().Int("images", n).Msg("Gallery stored")
		}
	}

	r.count(func(s *crawler.CrawlRunSummary) {
		s.Found++
		switch outcome {
		case OutcomeNew:
			s.New++
		case OutcomeRelisted:
			s.Relisted++
		default:
			s.Updated++
		}
	})

	r.publish(eventFor(outcome), rec.SourceID, id, rec)

	if outcome == OutcomeNew {
		r.describe(ctx, rec)
	}

	log.Debug().Str("outcome", string(outcome)).Int64("listing_id", id).Msg("Listing reconciled")
	return nil
}

// transition fills the lifecycle fields of rec from the stored listing
func transition(rec, existing *crawler.ListingRecord, now time.Time) Outcome {
	rec.LastSeenAt = now
	rec.UpdatedAt = now
	rec.SoldDetectedAt = nil

	if existing == nil {
		rec.Availability = crawler.AvailabilityActive
		rec.CreatedAt = now
		rec.Notes = ""
		rec.DescriptionStatus = crawler.DescriptionPending
		return OutcomeNew
	}

	rec.CreatedAt = existing.CreatedAt
	rec.DescriptionStatus = existing.DescriptionStatus
	rec.Description = existing.Description

	if existing.Availability == crawler.AvailabilitySold {
		rec.Availability = crawler.AvailabilityRelisted
		rec.Notes = store.AppendNote(existing.Notes, store.NoteEntry(NoteRelisted, now))
		return OutcomeRelisted
	}

	rec.Availability = existing.Availability
	rec.Notes = existing.Notes
	return OutcomeRefreshed
}

func (r *Run) describe(ctx context.Context, rec *crawler.ListingRecord) {
	e := r.engine
	if e.describer == nil {
		r.publish(publisher.EventDescriptionPending, rec.SourceID, rec.ID, rec)
		return
	}

	text, err := e.describer.Describe(ctx, rec)
	if err == nil {
		err = e.store.SetDescription(ctx, rec.ID, text)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("source_id", rec.SourceID).Msg("Description left pending")
		r.publish(publisher.EventDescriptionPending, rec.SourceID, rec.ID, rec)
		return
	}
	rec.Description = text
	rec.DescriptionStatus = crawler.DescriptionReady
}

// Finalize marks unobserved active listings as sold, unless the crawl was aborted,
// and persists and exports the run summary.
func (r *Run) Finalize(ctx context.Context, result *crawler.CrawlResult) (crawler.CrawlRunSummary, error) {
	e := r.engine
	// The summary must be written even when the crawl was cancelled
	ctx = context.WithoutCancel(ctx)

	aborted := result == nil || result.Aborted
	var finalizeErr error

	if !aborted {
		sold, err := r.markSold(ctx, result)
		r.count(func(s *crawler.CrawlRunSummary) { s.Sold += sold })
		if err != nil {
			finalizeErr = err
		}
	} else {
		r.log.Warn().Msg("Crawl aborted, sold detection skipped")
	}

	now := e.now()
	r.mu.Lock()
	if result != nil {
		r.summary.Pages = result.Pages
		r.summary.Errors += result.Errors
		r.summary.StopReason = result.StopReason
	}
	switch {
	case aborted:
		r.summary.Status = crawler.RunFailed
		r.summary.Error = crawler.StopFetchFailed
		if result != nil && result.Err != nil {
			r.summary.Error = result.Err.Error()
		}
	case finalizeErr != nil:
		r.summary.Status = crawler.RunFailed
		r.summary.Error = finalizeErr.Error()
	default:
		r.summary.Status = crawler.RunCompleted
	}
	r.summary.CompletedAt = &now
	summary := r.summary
	r.mu.Unlock()

	if err := e.store.FinishRun(ctx, &summary); err != nil {
		r.log.Error().Err(err).Msg("Run summary not stored")
		if finalizeErr == nil {
			finalizeErr = err
		}
	}

	if err := publisher.PublishEvent(e.publisher, publisher.Event{
		Type:    publisher.EventRunCompleted,
		RunID:   summary.RunID,
		Site:    summary.Site,
		Segment: summary.Segment,
		At:      now,
		Data:    summary,
	}); err != nil {
		r.log.Warn().Err(err).Msg("Run summary not published")
	}

	r.log.Info().
		Str("status", string(summary.Status)).
		Int("found", summary.Found).
		Int("new", summary.New).
		Int("updated", summary.Updated).
		Int("relisted", summary.Relisted).
		Int("sold", summary.Sold).
		Int("errors", summary.Errors).
		Int("pages", summary.Pages).
		Str("stop_reason", summary.StopReason).
		Dur("elapsed", now.Sub(summary.StartedAt)).
		Msg("Reconciliation run finished")

	return summary, finalizeErr
}

// markSold flags every active listing that the crawl neither listed nor processed
func (r *Run) markSold(ctx context.Context, result *crawler.CrawlResult) (int, error) {
	e := r.engine
	now := e.now()
	note := store.NoteEntry(NoteSold, now)

	sold := 0
	var firstErr error
	for sourceID, id := range r.activeIDs {
		if observed(result, sourceID) {
			continue
		}
		if err := e.store.MarkSold(ctx, id, now, note); err != nil {
			r.log.Error().Err(err).Str("source_id", sourceID).Msg("Mark sold failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sold++
		r.log.Info().Str("source_id", sourceID).Msg("Listing sold")
		r.publish(publisher.EventListingSold, sourceID, id, nil)
	}
	return sold, firstErr
}

func observed(result *crawler.CrawlResult, sourceID string) bool {
	return (result.Seen != nil && result.Seen.Contains(sourceID)) ||
		(result.Found != nil && result.Found.Contains(sourceID))
}

// PruneRuns drops finished run summaries older than retention
func (e *Engine) PruneRuns(ctx context.Context, retention time.Duration) (int, error) {
	return e.store.PruneRuns(ctx, e.now().Add(-retention))
}

// DescribePending retries descriptions left pending for a segment
func (e *Engine) DescribePending(ctx context.Context, entry config.CatalogEntry, limit int) (int, error) {
	if e.describer == nil {
		return 0, nil
	}

	pending, err := e.store.PendingDescriptions(ctx, entry.Site, entry.Segment, limit)
	if err != nil {
		return 0, err
	}

	log := logger.ForReconcile(entry.Segment)
	done := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		text, err := e.describer.Describe(ctx, rec)
		if err != nil {
			log.Debug().Err(err).Str("source_id", rec.SourceID).Msg("Description still pending")
			continue
		}
		if err := e.store.SetDescription(ctx, rec.ID, text); err != nil {
			return done, err
		}
		done++
	}
	if done > 0 {
		log.Info().Int("described", done).Int("pending", len(pending)).Msg("Pending descriptions filled")
	}
	return done, nil
}

func (r *Run) count(update func(*crawler.CrawlRunSummary)) {
	r.mu.Lock()
	update(&r.summary)
	r.mu.Unlock()
}

func (r *Run) publish(t publisher.EventType, sourceID string, id int64, data interface{}) {
	ev := publisher.Event{
		Type:      t,
		RunID:     r.summary.RunID,
		Site:      r.entry.Site,
		Segment:   r.entry.Segment,
		SourceID:  sourceID,
		ListingID: id,
		At:        r.engine.now(),
		Data:      data,
	}
	if err := publisher.PublishEvent(r.engine.publisher, ev); err != nil {
		r.log.Warn().Err(err).Str("source_id", sourceID).Str("event", string(t)).Msg("Event not published")
	}
}

func eventFor(o Outcome) publisher.EventType {
	switch o {
	case OutcomeNew:
		return publisher.EventListingCreated
	case OutcomeRelisted:
		return publisher.EventListingRelisted
	default:
		return publisher.EventListingRefreshed
	}
}
