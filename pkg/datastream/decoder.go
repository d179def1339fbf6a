package datastream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
)

// ErrNoResponseBody is returned when Decode is given no stream to read.
var ErrNoResponseBody = errors.New("No response body")

const genericReadFailure = "Stream processing failed"

// ReadError reports a failure of the underlying stream part-way through a
// turn. Its message is the message of the wrapped error.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	if e.Err == nil || e.Err.Error() == "" {
		return genericReadFailure
	}
	return e.Err.Error()
}

func (e *ReadError) Unwrap() error { return e.Err }

// State is the lifecycle position of a Decoder.
type State int32

const (
	StateIdle      State = iota // no Decode call yet
	StateStreaming              // inside Decode
	StateCompleted              // last Decode returned a turn
	StateFailed                 // last Decode returned an error
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultReadSize is the fragment size requested from the stream per read.
const DefaultReadSize = 32 * 1024

// Decoder drives the read loop for one turn at a time and exposes its
// streaming state. Every Decode call owns its own line buffer and
// aggregate. The observable state is shared by the instance: when one
// Decoder is used by overlapping calls the last writer wins, so use one
// Decoder per concurrent turn.
type Decoder struct {
	logger   *slog.Logger
	readSize int

	state   atomic.Int32
	lastErr atomic.Pointer[string]
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for debug output about skipped lines.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// WithReadSize sets the number of bytes requested per read.
func WithReadSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.readSize = n
		}
	}
}

// NewDecoder creates an idle Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		logger:   slog.Default(),
		readSize: DefaultReadSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current lifecycle state.
func (d *Decoder) State() State {
	return State(d.state.Load())
}

// Streaming reports whether a Decode call is in progress.
func (d *Decoder) Streaming() bool {
	return d.State() == StateStreaming
}

// LastError returns the message of the most recent failure, or "" if the
// latest Decode has not failed.
func (d *Decoder) LastError() string {
	if p := d.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// Decode reads body until EOF, folding every decoded line into a fresh
// Turn. onDelta, when non-nil, is called synchronously with each text
// delta in the order it is appended. A trailing line without a newline is
// still decoded. Malformed lines and unknown tags are skipped.
//
// A nil body fails with ErrNoResponseBody. A read error, or ctx being done
// between reads, fails with a *ReadError and the partial turn is
// discarded. Cancelling a blocked read is the caller's job: closing body
// makes the pending read fail.
func (d *Decoder) Decode(ctx context.Context, body io.Reader, onDelta func(string)) (*Turn, error) {
	d.lastErr.Store(nil)
	d.state.Store(int32(StateStreaming))

	if body == nil {
		return nil, d.fail(ErrNoResponseBody)
	}

	var (
		lines LineBuffer
		turn  = NewTurn()
		buf   = make([]byte, d.readSize)
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, d.fail(&ReadError{Err: err})
		}
		n, err := body.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, d.fail(&ReadError{Err: err})
		}
		for _, line := range lines.Write(buf[:n]) {
			turn = d.fold(turn, line, onDelta)
		}
		if err != nil {
			break
		}
	}

	if rest := lines.Remainder(); strings.TrimSpace(rest) != "" {
		turn = d.fold(turn, rest, onDelta)
	}

	d.state.Store(int32(StateCompleted))
	out := turn.Clone()
	return &out, nil
}

// fold decodes one line and applies it to turn.
func (d *Decoder) fold(turn Turn, line string, onDelta func(string)) Turn {
	ev, ok := ParseLine(line)
	if !ok {
		d.logger.Debug("skipping line without tag", "line", line)
		return turn
	}
	if !ev.Tag.Known() {
		d.logger.Debug("skipping unknown tag", "tag", string(ev.Tag))
		return turn
	}
	turn = Apply(turn, ev)
	if onDelta != nil {
		if text, ok := deltaText(ev); ok {
			onDelta(text)
		}
	}
	return turn
}

func (d *Decoder) fail(err error) error {
	msg := err.Error()
	d.lastErr.Store(&msg)
	d.state.Store(int32(StateFailed))
	return err
}
