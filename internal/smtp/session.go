package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/metrics"
	"github.com/shineum/smtp-sink-lite/internal/parser"
)

// state is a position in the per-connection state machine.
type state int

// Session states. After an acknowledgment the session goes back to
// stateGreeted so another transaction can start.
const (
	stateOpened state = iota
	stateGreeted
	stateEnvelope
	stateData
	stateDataComplete
	stateAcknowledged
)

func (s state) String() string {
	switch s {
	case stateOpened:
		return "opened"
	case stateGreeted:
		return "greeted"
	case stateEnvelope:
		return "envelope"
	case stateData:
		return "data"
	case stateDataComplete:
		return "data-complete"
	case stateAcknowledged:
		return "acknowledged"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

var errMessageTooLarge = errors.New("message exceeds maximum size")

// Session represents a single SMTP client connection and owns its state.
// Nothing in a Session is shared with other connections.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  state
	cfg    ServerConfig
	log    *slog.Logger

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg ServerConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Banner == "" {
		cfg.Banner = DefaultBanner
	}

	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateOpened,
		cfg:    cfg,
		log:    slog.With("remote", conn.RemoteAddr().String()),
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s %s", s.cfg.Hostname, s.cfg.Banner)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		line, err := s.readLine()
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "AUTH":
		return s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "VRFY":
		s.writeLine("252 Cannot VRFY user, but will accept message")
	case "STARTTLS":
		s.writeLine("502 TLS not supported")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	s.state = stateGreeted

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	s.writeLine("250-AUTH PLAIN LOGIN")
	if s.cfg.MaxMessageSize > 0 {
		s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250 OK")
}

// handleAUTH accepts PLAIN and LOGIN without checking credentials.
// Returns true if the connection failed mid-exchange.
func (s *Session) handleAUTH(arg string) bool {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return false
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	var (
		user string
		err  error
	)
	switch mechanism {
	case "PLAIN":
		encoded := ""
		if len(parts) > 1 && parts[1] != "" {
			encoded = parts[1]
		} else {
			s.writeLine("334 ")
			if encoded, err = s.readLine(); err != nil {
				s.log.Debug("failed to read AUTH PLAIN response", "error", err)
				return true
			}
		}
		if encoded == "*" {
			s.writeLine("501 Authentication cancelled")
			return false
		}
		user, err = decodePlain(encoded)
	case "LOGIN":
		// base64 "Username:" and "Password:"
		s.writeLine("334 VXNlcm5hbWU6")
		encodedUser, rerr := s.readLine()
		if rerr != nil {
			s.log.Debug("failed to read AUTH LOGIN username", "error", rerr)
			return true
		}
		if encodedUser == "*" {
			s.writeLine("501 Authentication cancelled")
			return false
		}
		s.writeLine("334 UGFzc3dvcmQ6")
		encodedPass, rerr := s.readLine()
		if rerr != nil {
			s.log.Debug("failed to read AUTH LOGIN password", "error", rerr)
			return true
		}
		if encodedPass == "*" {
			s.writeLine("501 Authentication cancelled")
			return false
		}
		user, err = decodeLogin(encodedUser)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return false
	}

	if err != nil {
		s.log.Debug("accepting undecodable credentials", "mechanism", mechanism, "error", err)
	} else {
		s.log.Debug("accepting credentials", "mechanism", mechanism, "user", user)
	}
	s.writeLine("235 Authentication successful")
	return false
}

// handleMAIL processes the MAIL FROM command and opens a new transaction.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.state == stateEnvelope {
		s.writeLine("503 Nested MAIL command")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, ok := extractAddress(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.resetTransaction()
	s.mailFrom = addr
	s.state = stateEnvelope
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state != stateEnvelope {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.writeLine("250 OK")
}

// handleDATA streams the message body into a decoder, archives the result
// and only then acknowledges it. Returns true if the session must end.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state != stateEnvelope || len(s.rcptTo) == 0 {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")
	s.state = stateData

	dec := parser.NewDecoder()
	var (
		size      int64
		tooLarge  bool
		lineStart = true
	)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			dec.Abort(err)
			s.log.Error("failed to set connection deadline", "error", err)
			return true
		}

		// Lines longer than the reader's buffer arrive in fragments, so a
		// single unterminated line never grows beyond that buffer.
		chunk, err := s.reader.ReadSlice('\n')
		partial := errors.Is(err, bufio.ErrBufferFull)
		if err != nil && !partial {
			if !tooLarge {
				dec.Abort(err)
			}
			metrics.IncrementMessages("aborted")
			s.log.Warn("connection lost during DATA", "error", err)
			return true
		}

		if lineStart {
			if !partial && isDataTerminator(chunk) {
				break
			}
			// Dot-stuffing: a leading dot was added by the client.
			if len(chunk) > 0 && chunk[0] == '.' {
				chunk = chunk[1:]
			}
		}
		lineStart = !partial

		size += int64(len(chunk))
		if tooLarge {
			continue
		}
		if s.cfg.MaxMessageSize > 0 && size > s.cfg.MaxMessageSize {
			tooLarge = true
			dec.Abort(errMessageTooLarge)
			continue
		}

		// Write returns only once the decoder has consumed chunk, so the
		// reader's buffer may be reused afterwards.
		if _, err := dec.Write(chunk); err != nil {
			// The decoder goroutine drains its input, so this only happens
			// after Abort.
			s.log.Error("failed to hand chunk to decoder", "error", err)
		}
	}
	s.state = stateDataComplete

	if tooLarge {
		metrics.IncrementMessages("too_large")
		s.writeLine("552 Message exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	}

	msg, err := dec.Close()
	if err != nil {
		metrics.IncrementMessages("decode_failed")
		s.log.Error("failed to decode message", "error", err)
		s.writeLine("554 Message could not be decoded")
		s.resetTransaction()
		return false
	}

	rec := email.NewRecord(msg, email.Envelope{
		From: envelopeFrom(s.mailFrom),
		To:   s.rcptTo,
	})

	// A store write is never cancelled once started.
	id, err := s.cfg.Archive.Insert(context.WithoutCancel(ctx), rec)
	if err != nil {
		metrics.IncrementMessages("store_failed")
		s.log.Error("failed to store message", "error", err)
		s.writeLine("451 Failed to store message, please try again later")
		s.resetTransaction()
		return false
	}

	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish(rec)
	}

	metrics.IncrementMessages("stored")
	s.log.Info("message stored",
		"id", id,
		"from", s.mailFrom,
		"to", s.rcptTo,
		"subject", rec.Subject,
		"size", size,
	)

	s.state = stateAcknowledged
	s.writeLine("250 OK message queued as %d", id)
	s.resetTransaction()
	return false
}

// isDataTerminator reports whether line is the lone "." ending DATA.
func isDataTerminator(line []byte) bool {
	return string(bytes.TrimRight(line, "\r\n")) == "."
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction without affecting
// the greeting.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// readLine reads one command line with the idle timeout applied.
func (s *Session) readLine() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		s.log.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats and ignoring ESMTP
// parameters. "<>" yields the null address with ok set.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	// Bare address format, possibly followed by parameters
	return strings.Fields(s)[0], true
}

// envelopeFrom turns the reverse-path into the record's sender list. The
// null reverse-path yields an empty list.
func envelopeFrom(addr string) []string {
	if addr == "" {
		return []string{}
	}
	return []string{addr}
}
