package queue

import "context"

// Msg is a single queue message. Key selects the partition.
type Msg struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

type Publisher interface {
	// Publish sends a message and blocks until the backend accepted it or ctx is done.
	Publish(ctx context.Context, msg Msg) error

	// Close flushes pending messages and releases resources. Cancelling ctx
	// may drop messages that were not yet delivered.
	Close(ctx context.Context)
}

// Noop discards every message.
type Noop struct{}

var _ Publisher = Noop{}

func (Noop) Publish(context.Context, Msg) error { return nil }

func (Noop) Close(context.Context) {}
