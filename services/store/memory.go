package store

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"sjsage522/listingworker/internal/crawler"
	"sjsage522/listingworker/pkg/errors"
)

// MemoryStore keeps everything in process memory. It backs tests and dry runs.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	listings map[int64]*crawler.ListingRecord
	keys     map[string]int64
	images   map[int64][]crawler.ImageRecord
	runs     map[string]*crawler.CrawlRunSummary
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[int64]*crawler.ListingRecord),
		keys:     make(map[string]int64),
		images:   make(map[int64][]crawler.ImageRecord),
		runs:     make(map[string]*crawler.CrawlRunSummary),
	}
}

func listingKey(site, sourceID string) string {
	return site + "\x00" + sourceID
}

// Migrate is a no-op
func (s *MemoryStore) Migrate(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) GetActiveSourceIDs(ctx context.Context, site, segment string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64)
	for id, l := range s.listings {
		if l.SourceSite == site && l.Segment == segment && l.Availability.IsActive() {
			out[l.SourceID] = id
		}
	}
	return out, nil
}

func (s *MemoryStore) LookupListing(ctx context.Context, site, sourceID string) (*crawler.ListingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[listingKey(site, sourceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.copyListing(id), nil
}

func (s *MemoryStore) UpsertListing(ctx context.Context, record *crawler.ListingRecord) (int64, error) {
	if record.SourceID == "" || record.SourceSite == "" {
		return 0, errors.NewStore("upsert", "listing without identity", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := listingKey(record.SourceSite, record.SourceID)
	id, exists := s.keys[key]
	if !exists {
		s.nextID++
		id = s.nextID
		stored := cloneListing(record)
		stored.ID = id
		stored.Images = nil
		stored.Rejected = nil
		if stored.DescriptionStatus == "" {
			stored.DescriptionStatus = crawler.DescriptionPending
		}
		s.listings[id] = stored
		s.keys[key] = id
		return id, nil
	}

	prev := s.listings[id]
	next := cloneListing(record)
	next.ID = id
	next.Images = nil
	next.Rejected = nil
	next.CreatedAt = prev.CreatedAt
	next.Description = prev.Description
	next.DescriptionStatus = prev.DescriptionStatus
	if contentEqual(prev, next) {
		next.UpdatedAt = prev.UpdatedAt
	}
	s.listings[id] = next
	return id, nil
}

func (s *MemoryStore) MarkSold(ctx context.Context, id int64, at time.Time, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return errors.NewStore("mark_sold", "unknown listing", ErrNotFound)
	}
	if l.Availability == crawler.AvailabilitySold {
		return nil
	}
	l.Availability = crawler.AvailabilitySold
	l.SoldDetectedAt = &at
	l.Notes = AppendNote(l.Notes, note)
	l.UpdatedAt = at
	return nil
}

func (s *MemoryStore) InsertImages(ctx context.Context, listingID int64, images []crawler.ImageRecord) (int, error) {
	if len(images) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[listingID]; !ok {
		return 0, errors.NewStore("insert_images", "unknown listing", ErrNotFound)
	}
	if len(s.images[listingID]) > 0 {
		return 0, nil
	}

	seen := make(map[string]bool, len(images))
	stored := make([]crawler.ImageRecord, 0, len(images))
	for _, img := range images {
		if seen[img.OriginURL] {
			continue
		}
		seen[img.OriginURL] = true
		stored = append(stored, img)
	}
	s.images[listingID] = stored
	return len(stored), nil
}

func (s *MemoryStore) SetDescription(ctx context.Context, id int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return errors.NewStore("set_description", "unknown listing", ErrNotFound)
	}
	l.Description = text
	l.DescriptionStatus = crawler.DescriptionReady
	return nil
}

func (s *MemoryStore) PendingDescriptions(ctx context.Context, site, segment string, limit int) ([]*crawler.ListingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*crawler.ListingRecord
	for id, l := range s.listings {
		if l.SourceSite == site && l.Segment == segment &&
			l.DescriptionStatus == crawler.DescriptionPending && l.Availability.IsActive() {
			out = append(out, s.copyListing(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StartRun(ctx context.Context, summary *crawler.CrawlRunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[summary.RunID]; ok {
		return nil
	}
	run := *summary
	s.runs[summary.RunID] = &run
	return nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, summary *crawler.CrawlRunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[summary.RunID]; !ok {
		return errors.NewStore("finish_run", "unknown run "+summary.RunID, nil)
	}
	run := *summary
	s.runs[summary.RunID] = &run
	return nil
}

func (s *MemoryStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, run := range s.runs {
		if run.CompletedAt != nil && run.StartedAt.Before(before) {
			delete(s.runs, id)
			pruned++
		}
	}
	return pruned, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// Images returns the stored gallery of a listing
func (s *MemoryStore) Images(listingID int64) []crawler.ImageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.ImageRecord(nil), s.images[listingID]...)
}

// Run returns a stored run summary
func (s *MemoryStore) Run(runID string) (crawler.CrawlRunSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.CrawlRunSummary{}, false
	}
	return *run, true
}

// Len returns the number of stored listings
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listings)
}

// copyListing must be called with the lock held
func (s *MemoryStore) copyListing(id int64) *crawler.ListingRecord {
	l := cloneListing(s.listings[id])
	l.Images = append([]crawler.ImageRecord(nil), s.images[id]...)
	return l
}

func cloneListing(r *crawler.ListingRecord) *crawler.ListingRecord {
	c := *r
	c.Defaulted = append([]string(nil), r.Defaulted...)
	if r.SoldDetectedAt != nil {
		at := *r.SoldDetectedAt
		c.SoldDetectedAt = &at
	}
	if r.HasRepairHistory != nil {
		v := *r.HasRepairHistory
		c.HasRepairHistory = &v
	}
	if r.HasWarranty != nil {
		v := *r.HasWarranty
		c.HasWarranty = &v
	}
	return &c
}

// contentEqual compares the fields whose change moves UpdatedAt
func contentEqual(a, b *crawler.ListingRecord) bool {
	x, y := *a, *b
	for _, r := range []*crawler.ListingRecord{&x, &y} {
		r.LastSeenAt = time.Time{}
		r.CreatedAt = time.Time{}
		r.UpdatedAt = time.Time{}
		r.Images = nil
		r.Rejected = nil
		if len(r.Defaulted) == 0 {
			r.Defaulted = nil
		}
	}
	return reflect.DeepEqual(x, y)
}
