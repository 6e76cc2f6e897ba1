package notify

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType identifies new-message events on external brokers.
const EventType = "email.received"

// Event is the broker payload for a newly archived message. Bodies are
// left out; consumers fetch them from the query API by id.
type Event struct {
	Type       string    `json:"type"`
	ID         int64     `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	From       []string  `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	MessageID  string    `json:"messageId"`
	Priority   string    `json:"priority"`
}

// NewEvent builds the broker payload for rec.
func NewEvent(rec *email.Record) Event {
	return Event{
		Type:       EventType,
		ID:         rec.ID,
		ReceivedAt: rec.CreatedAt,
		From:       rec.From,
		To:         rec.To,
		Subject:    rec.Subject,
		MessageID:  rec.MessageID,
		Priority:   rec.Priority,
	}
}

// Marshal encodes the event payload.
func (e Event) Marshal() ([]byte, error) {
	return jsonAPI.Marshal(e)
}
