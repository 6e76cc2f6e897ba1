package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	netsmtp "net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/events"
	"github.com/shineum/smtp-sink-lite/internal/smtp"
)

func TestDeliveredMailIsQueryable(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	bus := events.New()
	defer bus.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mta := smtp.New(smtp.ServerConfig{Archive: st, Publisher: bus, MaxMessageSize: 1 << 20})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- mta.Serve(ctx, ln) }()
	defer func() {
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("smtp server did not stop")
		}
	}()
	<-mta.Ready()

	published := make(chan *email.Record, 1)
	unsubscribe := bus.Subscribe(func(rec *email.Record) { published <- rec })
	defer unsubscribe()

	msg := "From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: round trip\r\n" +
		"X-Priority: 1\r\n" +
		"\r\n" +
		"hello over the wire\r\n"
	if err := netsmtp.SendMail(mta.Addr(), nil, "alice@example.com", []string{"bob@example.com"}, []byte(msg)); err != nil {
		t.Fatalf("SendMail: %v", err)
	}

	select {
	case rec := <-published:
		if rec.ID == 0 {
			t.Error("published record has no id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery was not published")
	}

	rr := do(t, New(st, bus).Handler(), http.MethodGet, "/api/email/latest")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got email.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Subject != "round trip" {
		t.Errorf("Subject: got %q", got.Subject)
	}
	if len(got.To) != 1 || got.To[0] != "bob@example.com" {
		t.Errorf("To: got %v", got.To)
	}
	if got.Priority != email.PriorityHigh {
		t.Errorf("Priority: got %v, want high", got.Priority)
	}
	if got.Text == nil || !strings.Contains(*got.Text, "hello over the wire") {
		t.Errorf("Text: got %v", got.Text)
	}
}
