package publisher

import (
	"encoding/json"
	"time"

	"sjsage522/listingworker/pkg/errors"
)

// EventType names a listing lifecycle or run event
type EventType string

const (
	EventListingCreated     EventType = "listing.created"
	EventListingRefreshed   EventType = "listing.refreshed"
	EventListingRelisted    EventType = "listing.relisted"
	EventListingSold        EventType = "listing.sold"
	EventDescriptionPending EventType = "description.pending"
	EventRunCompleted       EventType = "run.completed"
)

// Event is the JSON envelope written to the streams
type Event struct {
	Type      EventType   `json:"type"`
	RunID     string      `json:"run_id,omitempty"`
	Site      string      `json:"site"`
	Segment   string      `json:"segment"`
	SourceID  string      `json:"source_id,omitempty"`
	ListingID int64       `json:"listing_id,omitempty"`
	At        time.Time   `json:"at"`
	Data      interface{} `json:"data,omitempty"`
}

// Key returns the partition key: listing events are ordered per listing, run events per segment
func (e Event) Key() string {
	if e.SourceID != "" {
		return e.Site + ":" + e.SourceID
	}
	return e.Site + ":" + e.Segment
}

// PublishEvent encodes ev and publishes it under its partition key
func PublishEvent(p Publisher, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.NewPublisher(string(ev.Type), "encode failed", err)
	}
	return p.Publish(ev.Key(), data)
}
