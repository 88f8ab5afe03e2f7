package sse

import (
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const readChunkSize = 4096

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decoder reads events from a text/event-stream body. It buffers only the
// unterminated tail of the frame being parsed.
//
// Next returns a *FrameError for a malformed frame (skip it and call Next
// again), ErrFrameTooLarge when the frame bound is exceeded, io.EOF when the
// stream ends, or the underlying read error. Only *FrameError is recoverable;
// every other error is sticky.
type Decoder struct {
	r       io.Reader
	maxSize int

	buf   []byte
	off   int
	chunk []byte
	eof   bool
	err   error

	started bool
	sawCR   bool

	// current frame
	frameBytes int
	hasField   bool
	id         string
	event      string
	data       []byte
	dataLines  int
	retry      time.Duration
	hasRetry   bool
	malformed  *FrameError
}

// NewDecoder returns a decoder reading from r. A non-positive maxFrameSize
// selects DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{
		r:       r,
		maxSize: maxFrameSize,
		chunk:   make([]byte, readChunkSize),
	}
}

// Next returns the next complete event.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.err != nil {
			return Event{}, d.err
		}

		line, ok := d.nextLine()
		if !ok {
			if d.eof {
				// An unterminated trailing frame is discarded.
				d.err = io.EOF
				continue
			}
			if d.frameBytes+len(d.buf)-d.off > d.maxSize {
				d.err = ErrFrameTooLarge
				continue
			}
			if err := d.fill(); err != nil {
				d.err = err
			}
			continue
		}

		if len(line) == 0 {
			if ev, ok, err := d.dispatch(); ok {
				return ev, err
			}
			continue
		}

		d.processLine(line)
		if d.frameBytes > d.maxSize {
			d.err = ErrFrameTooLarge
		}
	}
}

// fill reads one chunk from the underlying reader, compacting the buffer first.
func (d *Decoder) fill() error {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}

	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.buf = append(d.buf, d.chunk[:n]...)
		if !d.started && len(d.buf) >= len(utf8BOM) {
			d.started = true
			if bytes.HasPrefix(d.buf, utf8BOM) {
				d.off = len(utf8BOM)
			}
		}
	}
	if err == io.EOF {
		d.eof = true
		return nil
	}
	return err
}

// nextLine returns the next complete line without its terminator. Lines may
// end in "\r\n", "\n" or "\r".
func (d *Decoder) nextLine() ([]byte, bool) {
	pending := d.buf[d.off:]
	if d.sawCR && len(pending) > 0 {
		d.sawCR = false
		if pending[0] == '\n' {
			d.off++
			pending = pending[1:]
		}
	}

	i := bytes.IndexAny(pending, "\r\n")
	if i < 0 {
		return nil, false
	}

	line := pending[:i]
	consumed := i + 1
	if pending[i] == '\r' {
		switch {
		case i+1 < len(pending):
			if pending[i+1] == '\n' {
				consumed++
			}
		case !d.eof:
			// The matching "\n" may arrive with the next read.
			d.sawCR = true
		}
	}

	d.off += consumed
	d.frameBytes += consumed
	return line, true
}

func (d *Decoder) processLine(line []byte) {
	if line[0] == ':' {
		return
	}

	var field, value string
	if i := bytes.IndexByte(line, ':'); i >= 0 {
		field = string(line[:i])
		v := line[i+1:]
		if len(v) > 0 && v[0] == ' ' {
			v = v[1:]
		}
		value = string(v)
	} else {
		field = string(line)
	}

	if !utf8.Valid(line) {
		d.markMalformed(field, "invalid UTF-8")
		return
	}

	switch field {
	case "id":
		// Ids containing NUL are ignored.
		if strings.IndexByte(value, 0) >= 0 {
			return
		}
		d.id = value
		d.hasField = true
	case "event":
		d.event = value
		d.hasField = true
	case "data":
		if d.dataLines > 0 {
			d.data = append(d.data, '\n')
		}
		d.data = append(d.data, value...)
		d.dataLines++
		d.hasField = true
	case "retry":
		ms, err := parseRetry(value)
		if err != nil {
			d.markMalformed(field, err.Error())
			return
		}
		d.retry = ms
		d.hasRetry = true
		d.hasField = true
	}
}

func (d *Decoder) markMalformed(field, reason string) {
	d.hasField = true
	if d.malformed == nil {
		d.malformed = &FrameError{Field: field, Reason: reason}
	}
}

// dispatch finishes the current frame. ok is false for frames that carried
// nothing but comments.
func (d *Decoder) dispatch() (ev Event, ok bool, err error) {
	defer d.resetFrame()

	if !d.hasField {
		return Event{}, false, nil
	}
	if d.malformed != nil {
		d.malformed.ID = d.id
		return Event{}, true, d.malformed
	}

	ev = Event{
		ID:       d.id,
		Type:     d.event,
		Retry:    d.retry,
		HasRetry: d.hasRetry,
	}
	if len(d.data) > 0 {
		ev.Data = append([]byte(nil), d.data...)
	}
	return ev, true, nil
}

func (d *Decoder) resetFrame() {
	d.frameBytes = 0
	d.hasField = false
	d.id = ""
	d.event = ""
	d.data = d.data[:0]
	d.dataLines = 0
	d.retry = 0
	d.hasRetry = false
	d.malformed = nil
}

func parseRetry(value string) (time.Duration, error) {
	if value == "" {
		return 0, strconv.ErrSyntax
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return 0, strconv.ErrRange
	}
	return time.Duration(ms) * time.Millisecond, nil
}
