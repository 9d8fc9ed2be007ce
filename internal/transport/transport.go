// Package transport carries chat traffic between requesters and the bot.
//
// Outbound: Transport.Send delivers one text to a requester. A nil error is
// the delivery acknowledgment; callers that must act only on confirmed
// delivery (the expiry warning) rely on that.
//
// Inbound: external notifiers (the chat pairing service and the ledger
// watcher) deliver Event envelopes, either through the HTTP webhook or the
// AMQP queue consumed by Consume. Both paths hand the decoded event to the
// same Handler.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Event types.
const (
	EventPaired    = "paired"
	EventText      = "text"
	EventIncoming  = "incoming"
	EventFinalized = "finalized"
)

// ErrInvalidEvent is returned for envelopes that fail validation.
var ErrInvalidEvent = errors.New("invalid event")

// Event is the inbound envelope.
type Event struct {
	Type        string   `json:"type"`
	RequesterID string   `json:"requester_id,omitempty"`
	Text        string   `json:"text,omitempty"`
	TxIDs       []string `json:"tx_ids,omitempty"`
}

// Validate checks the fields each event type needs.
func (e Event) Validate() error {
	switch e.Type {
	case EventPaired, EventText:
		if e.RequesterID == "" {
			return fmt.Errorf("%w: %s requires requester_id", ErrInvalidEvent, e.Type)
		}
	case EventIncoming, EventFinalized:
		if len(e.TxIDs) == 0 {
			return fmt.Errorf("%w: %s requires tx_ids", ErrInvalidEvent, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// DecodeEvent parses and validates an envelope.
func DecodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ev, ev.Validate()
}

// Handler processes inbound events.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// Transport delivers texts to requesters.
type Transport interface {
	Send(ctx context.Context, requesterID, text string) error
}

// Outbound is the message published for the chat service.
type Outbound struct {
	RequesterID string `json:"requester_id"`
	Text        string `json:"text"`
}

// Log is a Transport that only logs; it is used when no broker is
// configured and always acknowledges.
type Log struct{}

func (Log) Send(_ context.Context, requesterID, text string) error {
	log.Info().Str("requester_id", requesterID).Str("text", text).Msg("outbound chat message")
	return nil
}
