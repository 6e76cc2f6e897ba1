// Package console implements a Notifier that prints captured messages to
// standard output.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

const separator = "========================================\n"

// Notifier prints captured messages in a human-readable format.
type Notifier struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a console Notifier that writes to os.Stdout.
func New() *Notifier {
	return &Notifier{writer: os.Stdout}
}

// NewWithWriter creates a console Notifier that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Notifier {
	return &Notifier{writer: w}
}

// Notify prints the record. Write errors are returned to the caller.
func (n *Notifier) Notify(_ context.Context, rec *email.Record) error {
	var b strings.Builder

	b.WriteString(separator)
	b.WriteString(fmt.Sprintf("ID: %d\n", rec.ID))
	b.WriteString(fmt.Sprintf("Received: %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05 MST")))
	b.WriteString(fmt.Sprintf("From: %s\n", strings.Join(rec.From, ", ")))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(rec.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\n", rec.Subject))
	if rec.Priority != "" && rec.Priority != email.PriorityNormal {
		b.WriteString(fmt.Sprintf("Priority: %s\n", rec.Priority))
	}

	switch {
	case rec.Text != nil:
		b.WriteString(fmt.Sprintf("Body (%s):\n", formatSize(len(*rec.Text))))
		b.WriteString(*rec.Text + "\n")
	case rec.HTML != nil:
		b.WriteString(fmt.Sprintf("Body (html, %s):\n", formatSize(len(*rec.HTML))))
		b.WriteString(*rec.HTML + "\n")
	default:
		b.WriteString("Body: (empty)\n")
	}

	b.WriteString(separator)

	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := io.WriteString(n.writer, b.String())
	return err
}

// Name returns the notifier name.
func (n *Notifier) Name() string {
	return "console"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
