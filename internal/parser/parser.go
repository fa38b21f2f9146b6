// Package parser turns lines from the device into readings or log entries
package parser

import (
	"bufio"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/practable/envmon/internal/models"
)

// regexp for a reading line, e.g. t:23.5,h:61
// whitespace is allowed around the tokens, and the whole line must match
// so that a damaged reading is kept as text rather than half-parsed
const r = `^t\s*:\s*([+-]?(?:\d+(?:\.\d*)?|\.\d+))\s*,\s*h\s*:\s*([+-]?(?:\d+(?:\.\d*)?|\.\d+))$`

var rre = regexp.MustCompile(r)

// maximum line length accepted from the device
const maxLineSize = 64 * 1024

// Parser converts device lines into typed records
type Parser struct {
	// Now is a function for getting the time - useful for mocking in test
	Now func() time.Time
}

// New returns a Parser using the system clock
func New() *Parser {
	return &Parser{
		Now: time.Now,
	}
}

// Parse returns a models.Reading for a well-formed reading line, nil for an
// empty line, and a models.LogEntry holding the text for anything else
func (p *Parser) Parse(raw []byte) interface{} {

	line := strings.TrimSpace(string(raw))

	if line == "" {
		return nil
	}

	now := p.Now()

	if m := rre.FindStringSubmatch(line); m != nil {

		t, terr := strconv.ParseFloat(m[1], 64)
		h, herr := strconv.ParseFloat(m[2], 64)

		if terr == nil && herr == nil {
			return models.Reading{
				Temperature: t,
				Humidity:    h,
				CreatedAt:   now,
			}
		}
	}

	return models.LogEntry{
		Message:   line,
		CreatedAt: now,
	}
}

// ParseByLine reads from the supplied io.Reader, splitting on newlines
// regardless of how the bytes are chunked, and sends each non-empty parsed
// line over out. A line longer than maxLineSize is sent as a log entry
// holding its first maxLineSize bytes and the rest is skipped up to the
// next newline. A trailing line with no terminator is discarded. out is
// closed when the reader is exhausted or fails.
func (p *Parser) ParseByLine(in io.Reader, out chan<- interface{}) error {

	defer close(out) //so receiver can range over channel

	r := bufio.NewReaderSize(in, maxLineSize)

	skipping := false

	for {
		line, err := r.ReadSlice('\n')

		switch {

		case err == nil:
			if skipping {
				// tail of an over-long line
				skipping = false
				continue
			}
			if v := p.Parse(line); v != nil {
				out <- v
			}

		case errors.Is(err, bufio.ErrBufferFull):
			if !skipping {
				if v := p.truncated(line); v != nil {
					out <- v
				}
				skipping = true
			}

		case errors.Is(err, io.EOF):
			return nil

		default:
			return err
		}
	}
}

// truncated keeps the start of an over-long line as text, never as a reading
func (p *Parser) truncated(raw []byte) interface{} {

	line := strings.TrimSpace(string(raw))

	if line == "" {
		return nil
	}

	return models.LogEntry{
		Message:   line,
		CreatedAt: p.Now(),
	}
}
