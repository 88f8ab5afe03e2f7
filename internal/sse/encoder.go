package sse

import (
	"bytes"
	"io"
	"strconv"
	"strings"
)

// Encoder writes events in text/event-stream framing.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one event frame, including the terminating blank line.
func (e *Encoder) Encode(ev Event) error {
	buf, err := AppendEvent(e.buf[:0], ev)
	if err != nil {
		return err
	}
	e.buf = buf
	_, err = e.w.Write(buf)
	return err
}

// Comment writes a comment frame. Comments are ignored by decoders and are
// used as keepalives.
func (e *Encoder) Comment(text string) error {
	buf := append(e.buf[:0], ':')
	if text != "" {
		buf = append(buf, ' ')
		buf = append(buf, strings.NewReplacer("\r", " ", "\n", " ").Replace(text)...)
	}
	buf = append(buf, '\n', '\n')
	e.buf = buf
	_, err := e.w.Write(buf)
	return err
}

// AppendEvent appends the wire form of ev to dst.
func AppendEvent(dst []byte, ev Event) ([]byte, error) {
	if strings.ContainsAny(ev.ID, "\r\n") || strings.ContainsAny(ev.Type, "\r\n") {
		return dst, ErrInvalidField
	}

	if ev.Type != "" {
		dst = append(dst, "event: "...)
		dst = append(dst, ev.Type...)
		dst = append(dst, '\n')
	}
	if ev.ID != "" {
		dst = append(dst, "id: "...)
		dst = append(dst, ev.ID...)
		dst = append(dst, '\n')
	}
	if ev.HasRetry {
		dst = append(dst, "retry: "...)
		dst = strconv.AppendInt(dst, ev.Retry.Milliseconds(), 10)
		dst = append(dst, '\n')
	}

	if len(ev.Data) > 0 || (ev.ID == "" && ev.Type == "" && !ev.HasRetry) {
		data := ev.Data
		if bytes.IndexByte(data, '\r') >= 0 {
			data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
			data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
		}
		for {
			line := data
			i := bytes.IndexByte(data, '\n')
			if i >= 0 {
				line = data[:i]
			}
			dst = append(dst, "data: "...)
			dst = append(dst, line...)
			dst = append(dst, '\n')
			if i < 0 {
				break
			}
			data = data[i+1:]
		}
	}

	dst = append(dst, '\n')
	return dst, nil
}
