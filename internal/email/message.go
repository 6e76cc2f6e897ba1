// Package email defines the core email data model used throughout the SMTP sink.
package email

import "time"

// Priority values derived from X-Priority, X-MSMail-Priority and Importance headers.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Message is the decoder's view of a message body: header-derived fields
// and decoded body parts. Envelope addresses are not part of it.
type Message struct {
	Subject   string
	MessageID string
	Priority  string
	Headers   map[string][]string

	// HTML and Text are nil when the message has no such part.
	HTML *string
	Text *string
}

// Envelope holds the addresses collected during MAIL FROM / RCPT TO,
// independent of header content.
type Envelope struct {
	From []string
	To   []string
}

// Record is a captured message as persisted by the archive.
type Record struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	From      []string            `json:"from"`
	To        []string            `json:"to"`
	Subject   string              `json:"subject"`
	MessageID string              `json:"messageId"`
	Priority  string              `json:"priority"`
	Headers   map[string][]string `json:"headers"`
	HTML      *string             `json:"html"`
	Text      *string             `json:"text"`
}

// NewRecord combines a decoded message with the session envelope.
// ID and timestamps are left for the archive to assign.
func NewRecord(msg *Message, env Envelope) *Record {
	return &Record{
		From:      env.From,
		To:        env.To,
		Subject:   msg.Subject,
		MessageID: msg.MessageID,
		Priority:  msg.Priority,
		Headers:   msg.Headers,
		HTML:      msg.HTML,
		Text:      msg.Text,
	}
}
