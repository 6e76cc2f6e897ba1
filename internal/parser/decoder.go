package parser

import (
	"errors"
	"io"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// errDecoderClosed is returned by Write after Close or Abort.
var errDecoderClosed = errors.New("decoder already closed")

type result struct {
	msg *email.Message
	err error
}

// Decoder decodes one message body delivered as ordered chunks. Each Write
// blocks until the decoding goroutine has taken the chunk, so nothing is
// buffered beyond the hand-off. Close signals end of data and waits for the
// decoded message.
type Decoder struct {
	pw     *io.PipeWriter
	done   chan result
	closed bool
}

// NewDecoder starts a decoder for a single message.
func NewDecoder() *Decoder {
	pr, pw := io.Pipe()
	d := &Decoder{
		pw:   pw,
		done: make(chan result, 1),
	}

	go func() {
		msg, err := Parse(pr)
		// enmime may stop before EOF; keep draining so Write never blocks.
		_, _ = io.Copy(io.Discard, pr)
		d.done <- result{msg: msg, err: err}
	}()

	return d
}

// Write hands one chunk to the decoder.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.closed {
		return 0, errDecoderClosed
	}
	return d.pw.Write(p)
}

// Close marks the end of the message and returns the decoded result.
func (d *Decoder) Close() (*email.Message, error) {
	if d.closed {
		return nil, errDecoderClosed
	}
	d.closed = true
	_ = d.pw.Close()
	r := <-d.done
	return r.msg, r.err
}

// Abort discards the message being decoded. cause is surfaced to the
// decoding goroutine as a read error.
func (d *Decoder) Abort(cause error) {
	if d.closed {
		return
	}
	d.closed = true
	_ = d.pw.CloseWithError(cause)
	<-d.done
}
