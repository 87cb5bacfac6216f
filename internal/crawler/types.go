package crawler

import (
	"context"
	"sync"
	"time"

	"sjsage522/listingworker/config"

	"github.com/PuerkitoBio/goquery"
)

// Availability is the lifecycle state of a listing
type Availability string

const (
	AvailabilityActive   Availability = "active"
	AvailabilitySold     Availability = "sold"
	AvailabilityRelisted Availability = "relisted"
)

// IsActive reports whether the listing is currently for sale
func (a Availability) IsActive() bool {
	return a == AvailabilityActive || a == AvailabilityRelisted
}

// DescriptionStatus tracks the marketing text of a listing
type DescriptionStatus string

const (
	DescriptionPending DescriptionStatus = "pending"
	DescriptionReady   DescriptionStatus = "ready"
)

// Field names recorded when an extracted value falls back to its default
const (
	FieldTitle      = "title"
	FieldPrice      = "price_minor"
	FieldModelYear  = "model_year"
	FieldOdometer   = "odometer_km"
	FieldLocation   = "location_text"
	DefaultLocation = "unknown"
)

// ListingStub is the minimal data taken from a search results page
type ListingStub struct {
	SourceID  string `json:"source_id"`
	DetailURL string `json:"detail_url"`
	Title     string `json:"title,omitempty"`
}

// ImageRecord is one photo of a listing's gallery
type ImageRecord struct {
	OriginURL string `json:"origin_url"`
	FileName  string `json:"file_name"`
	AltText   string `json:"alt_text,omitempty"`
	Order     int    `json:"order"`
	IsPrimary bool   `json:"is_primary"`
	SizeBytes *int64 `json:"size_bytes,omitempty"`
}

// ListingRecord is the canonical listing entity
type ListingRecord struct {
	ID         int64  `json:"id,omitempty"`
	SourceID   string `json:"source_id"`
	SourceSite string `json:"source_site"`
	DetailURL  string `json:"detail_url"`
	Segment    string `json:"segment"`

	Manufacturer     string `json:"manufacturer,omitempty"`
	Model            string `json:"model,omitempty"`
	Title            string `json:"title"`
	PriceMinor       int64  `json:"price_minor"`
	ModelYear        int    `json:"model_year"`
	OdometerKm       int    `json:"odometer_km"`
	LocationText     string `json:"location_text"`
	Prefecture       string `json:"prefecture,omitempty"`
	DealerName       string `json:"dealer_name,omitempty"`
	Color            string `json:"color,omitempty"`
	Transmission     string `json:"transmission,omitempty"`
	FuelType         string `json:"fuel_type,omitempty"`
	DriveType        string `json:"drive_type,omitempty"`
	Displacement     string `json:"displacement,omitempty"`
	HasRepairHistory *bool  `json:"has_repair_history,omitempty"`
	HasWarranty      *bool  `json:"has_warranty,omitempty"`

	Availability      Availability      `json:"availability"`
	Description       string            `json:"description,omitempty"`
	DescriptionStatus DescriptionStatus `json:"description_status"`
	Defaulted         []string          `json:"defaulted,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	Images            []ImageRecord     `json:"images,omitempty"`

	LastSeenAt     time.Time  `json:"last_seen_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	SoldDetectedAt *time.Time `json:"sold_detected_at,omitempty"`

	// Values rejected by range validation, for logging only
	Rejected []string `json:"-"`
}

// IsDefaulted reports whether field fell back to its default
func (r *ListingRecord) IsDefaulted(field string) bool {
	for _, f := range r.Defaulted {
		if f == field {
			return true
		}
	}
	return false
}

// RunStatus is the terminal state of a crawl run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// CrawlRunSummary holds the counters of one segment crawl
type CrawlRunSummary struct {
	RunID       string     `json:"run_id"`
	Site        string     `json:"site"`
	Segment     string     `json:"segment"`
	Status      RunStatus  `json:"status"`
	Found       int        `json:"found"`
	New         int        `json:"new"`
	Updated     int        `json:"updated"`
	Relisted    int        `json:"relisted"`
	Sold        int        `json:"sold"`
	Errors      int        `json:"errors"`
	Pages       int        `json:"pages"`
	StopReason  string     `json:"stop_reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListingSink receives every fully extracted listing as soon as it is ready
type ListingSink interface {
	Apply(ctx context.Context, record *ListingRecord) error
}

// Fetcher is the network primitive used for search and detail pages
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Crawler walks one catalog segment and hands listings to a sink
type Crawler interface {
	// Crawl walks the segment's search pages until the stop policy ends it
	Crawl(ctx context.Context, entry config.CatalogEntry, sink ListingSink) *CrawlResult

	// GetName returns the crawler's name for logging and identification
	GetName() string
}

// ElementHandler extracts one candidate value from a selection
type ElementHandler func(*goquery.Selection) string

// IDExtractorFunc derives a listing's source ID from its detail link
type IDExtractorFunc func(string) (string, error)

// IDSet is a concurrency-safe set of source IDs
type IDSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewIDSet creates an empty set
func NewIDSet() *IDSet {
	return &IDSet{ids: make(map[string]struct{})}
}

// Add inserts id and reports whether it was not present before
func (s *IDSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Contains reports membership
func (s *IDSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of ids
func (s *IDSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Values returns a snapshot of the ids in no particular order
func (s *IDSet) Values() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out
}
