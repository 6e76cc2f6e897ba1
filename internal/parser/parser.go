// Package parser decodes RFC 5322 messages into the email model. MIME
// handling is delegated to enmime; this package only maps its envelope onto
// email.Message and feeds it from a chunked byte stream.
package parser

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// ErrDecode is returned when a message body cannot be decoded.
var ErrDecode = errors.New("message decode failed")

// Parse reads a complete message from r and decodes it. Header values are
// RFC 2047 decoded. Body parts that are missing are left nil.
func Parse(r io.Reader) (*email.Message, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	for _, perr := range env.Errors {
		slog.Debug("message decoded with warnings", "error", perr.Error())
	}

	msg := &email.Message{
		Subject:   env.GetHeader("Subject"),
		MessageID: env.GetHeader("Message-Id"),
		Headers:   make(map[string][]string),
	}

	for _, key := range env.GetHeaderKeys() {
		msg.Headers[key] = env.GetHeaderValues(key)
	}
	msg.Priority = priority(env.GetHeader("X-Priority"), env.GetHeader("X-MSMail-Priority"), env.GetHeader("Importance"))

	if env.HTML != "" {
		html := env.HTML
		msg.HTML = &html
	}
	if env.Text != "" {
		text := env.Text
		msg.Text = &text
	}

	return msg, nil
}

// priority maps the common priority headers onto high/normal/low.
// X-Priority wins over X-MSMail-Priority, which wins over Importance.
func priority(xPriority, msPriority, importance string) string {
	if v := strings.TrimSpace(xPriority); v != "" {
		// "1 (Highest)", "5 (Lowest)", ...
		switch v[0] {
		case '1', '2':
			return email.PriorityHigh
		case '4', '5':
			return email.PriorityLow
		}
	}
	for _, v := range []string{msPriority, importance} {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "high":
			return email.PriorityHigh
		case "low":
			return email.PriorityLow
		}
	}
	return email.PriorityNormal
}
