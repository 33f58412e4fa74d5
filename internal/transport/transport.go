// Package transport holds the network adapters that deliver batches to a collector.
package transport

import (
	"context"
	"encoding/json"

	"github.com/gyaneshwarpardhi/anonsdk/internal/event"
)

// Sender posts one encoded batch. A nil error means the collector accepted it.
// Timeouts and any retries inside a single Post are the adapter's business.
type Sender interface {
	Post(ctx context.Context, url string, body []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, url string, body []byte) error

func (f SenderFunc) Post(ctx context.Context, url string, body []byte) error {
	return f(ctx, url, body)
}

// Payload is the wire envelope for one batch.
type Payload struct {
	ClientID string         `json:"client_id"`
	Events   []event.Record `json:"events"`
}

// Encode marshals a batch for the given API key.
func Encode(clientID string, events []event.Record) ([]byte, error) {
	return json.Marshal(Payload{ClientID: clientID, Events: events})
}

// Decode is the inverse of Encode. Used by tests and the agent's echo collector.
func Decode(body []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(body, &p)
	return p, err
}
