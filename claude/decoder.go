package claude

import (
	"bytes"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLineLength bounds how much of a single unterminated line the
// Decoder will buffer.
const DefaultMaxLineLength = 1 << 20

// DecoderOptions configure a Decoder.
type DecoderOptions struct {
	// Filter, if set, is applied to every complete line before parsing.
	// Returning "" discards the line.
	Filter func(line string) string

	// MaxLineLength is the largest partial line kept in the buffer. When a
	// line grows past it without a newline, the buffered bytes are parsed as
	// a line of their own, unless they open a JSON object: a protocol line
	// cannot be parsed in pieces, so it is discarded up to its newline.
	// Zero means DefaultMaxLineLength.
	MaxLineLength int

	Logger *slog.Logger
}

// Decoder reassembles lines from arbitrarily split fragments and forwards
// the chunks parsed from each complete line to a sink.
type Decoder struct {
	buf     []byte
	sink    func(Chunk)
	filter  func(string) string
	maxLine int
	log     *slog.Logger

	// discarding is set while the rest of an oversize JSON line is skipped.
	discarding bool
}

// NewDecoder creates a Decoder that delivers chunks to sink.
func NewDecoder(sink func(Chunk), opts DecoderOptions) *Decoder {
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		sink:    sink,
		filter:  opts.Filter,
		maxLine: opts.MaxLineLength,
		log:     log,
	}
}

// Feed appends a fragment and processes every complete line now in the
// buffer. It returns the number of chunks forwarded to the sink.
func (d *Decoder) Feed(fragment []byte) int {
	d.buf = append(d.buf, fragment...)

	n := 0
	if d.discarding {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			d.buf = nil
			return 0
		}
		d.buf = d.buf[i+1:]
		d.discarding = false
	}
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		n += d.processLine(line)
	}

	if len(d.buf) > d.maxLine {
		n += d.spillOversize()
	}

	// Release the backing array once it has been fully consumed.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return n
}

// Flush processes whatever partial line remains, for use at end of stream.
func (d *Decoder) Flush() int {
	if d.discarding {
		d.discarding = false
		d.buf = nil
		return 0
	}
	if len(d.buf) == 0 {
		return 0
	}
	line := string(d.buf)
	d.buf = nil
	return d.processLine(line)
}

// Buffered reports the number of bytes waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// spillOversize parses the buffered bytes as a line, keeping back a trailing
// incomplete UTF-8 sequence so a character is never split.
func (d *Decoder) spillOversize() int {
	cut := len(d.buf)
	for back := 1; back < utf8.UTFMax && back <= len(d.buf); back++ {
		r := d.buf[len(d.buf)-back]
		if utf8.RuneStart(r) {
			if !utf8.FullRune(d.buf[len(d.buf)-back:]) {
				cut = len(d.buf) - back
			}
			break
		}
	}

	line := string(d.buf[:cut])
	head := line
	if d.filter != nil {
		head = d.filter(head)
	}
	if strings.HasPrefix(strings.TrimSpace(head), "{") {
		d.log.Warn("JSON line exceeds max length, discarding it", "bytes", len(d.buf), "max", d.maxLine)
		d.buf = nil
		d.discarding = true
		return 0
	}

	d.log.Warn("line exceeds max length, flushing partial line", "bytes", cut, "max", d.maxLine)
	d.buf = append([]byte(nil), d.buf[cut:]...)
	return d.processLine(line)
}

func (d *Decoder) processLine(line string) int {
	if d.filter != nil {
		line = d.filter(line)
		if line == "" {
			return 0
		}
	}
	chunks := ParseLine(line, d.log)
	for _, c := range chunks {
		d.sink(c)
	}
	return len(chunks)
}
