// Package stream decodes Responses-API server-sent-event bodies into text.
//
// A body is a sequence of frames separated by a blank line. The data of a
// frame is the newline-join of its "data:" lines; every other field is
// metadata and ignored. Frames carrying text deltas feed an accumulator,
// any other well-formed payload may carry a definitive output text that is
// kept as a fallback for streams that never produced a delta.
package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// TextDeltaEvent is the payload type of an incremental text fragment.
const TextDeltaEvent = "response.output_text.delta"

// DoneSentinel terminates a stream in OpenAI-style SSE bodies.
const DoneSentinel = "[DONE]"

var frameSeparator = []byte("\n\n")

// DeltaFunc receives each new fragment together with the full text so far.
type DeltaFunc func(delta, full string)

// Result is the outcome of a decode.
type Result struct {
	Text string
	// Streamed is true when at least one delta event was observed.
	Streamed bool
}

// Decoder is an incremental SSE decoder. It is not safe for concurrent use.
type Decoder struct {
	onDelta  DeltaFunc
	buf      []byte
	deltas   strings.Builder
	streamed bool
	fallback string
	closed   bool
}

// NewDecoder returns a decoder that reports deltas to onDelta (may be nil).
func NewDecoder(onDelta DeltaFunc) *Decoder {
	return &Decoder{onDelta: onDelta}
}

// Write feeds raw body bytes. Complete frames are processed immediately;
// a partial frame (or a partial UTF-8 sequence) stays buffered.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.closed {
		return 0, io.ErrClosedPipe
	}

	for _, b := range p {
		// CR never appears unescaped inside JSON, so dropping it normalises
		// CRLF framing without touching payloads.
		if b != '\r' {
			d.buf = append(d.buf, b)
		}
	}

	for {
		idx := bytes.Index(d.buf, frameSeparator)
		if idx < 0 {
			break
		}
		frame := string(d.buf[:idx])
		d.buf = d.buf[idx+len(frameSeparator):]
		d.handleFrame(frame)
	}

	return len(p), nil
}

// Close flushes a trailing non-terminated frame once and returns the result.
func (d *Decoder) Close() Result {
	if !d.closed {
		d.closed = true
		if rest := string(d.buf); strings.TrimSpace(rest) != "" {
			d.handleFrame(rest)
		}
		d.buf = nil
	}
	return d.Result()
}

// Result reports the current outcome: trimmed deltas when they hold text,
// otherwise the trimmed fallback.
func (d *Decoder) Result() Result {
	if text := strings.TrimSpace(d.deltas.String()); text != "" {
		return Result{Text: text, Streamed: true}
	}
	return Result{Text: strings.TrimSpace(d.fallback), Streamed: d.streamed}
}

// Decode reads r to EOF, reporting deltas as they arrive. Frames decoded
// before a read error are kept in the returned result.
func Decode(r io.Reader, onDelta DeltaFunc) (Result, error) {
	d := NewDecoder(onDelta)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = d.Write(buf[:n])
		}
		if err == io.EOF {
			return d.Close(), nil
		}
		if err != nil {
			return d.Close(), err
		}
	}
}

// DecodePayload decodes a complete non-streaming body: SSE text when it
// contains data lines, otherwise a single JSON object.
func DecodePayload(raw []byte) Result {
	if bytes.Contains(raw, []byte("data:")) {
		d := NewDecoder(nil)
		_, _ = d.Write(raw)
		return d.Close()
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}
	}
	return Result{Text: p.outputText()}
}

func (d *Decoder) handleFrame(frame string) {
	var dataLines []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	if len(dataLines) == 0 {
		return
	}

	data := strings.Join(dataLines, "\n")
	if data == "" || data == DoneSentinel {
		return
	}

	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return
	}

	if delta, ok := p.textDelta(); ok {
		d.streamed = true
		d.deltas.WriteString(delta)
		if d.onDelta != nil {
			d.onDelta(delta, d.deltas.String())
		}
		return
	}

	if text := p.eventText(); text != "" {
		d.fallback = text
	}
}
