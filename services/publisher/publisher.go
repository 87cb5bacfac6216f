package publisher

// Publisher represents a service for exporting listing events
type Publisher interface {
	// Publish appends a message to the stream shard owned by key
	Publish(key string, message []byte) error

	// TrimStreams trims all streams to the configured maximum length
	TrimStreams() error

	// Close closes the publisher connection
	Close() error
}

// NopPublisher drops every message. Used when REDIS_ENABLED=false.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

func (NopPublisher) Publish(key string, message []byte) error { return nil }

func (NopPublisher) TrimStreams() error { return nil }

func (NopPublisher) Close() error { return nil }
