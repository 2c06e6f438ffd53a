// Package checkbus consumes checkpoint submissions from the ingest bus.
// Messages are keyed by agent id, so per-agent chain order rides partition
// order.
package checkbus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
