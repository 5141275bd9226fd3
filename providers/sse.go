package providers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// sseFramer scans Server-Sent Events streams. It understands both the plain
// OpenAI framing (data: lines, terminal [DONE]) and Anthropic's named-event
// framing (event: + data: pairs).
type sseFramer struct {
	scanner *bufio.Scanner
	done    bool
}

// maxSSELineBytes bounds a single SSE line; image deltas can be large.
const maxSSELineBytes = 1024 * 1024

// NewSSEFramer creates a framer for SSE-encoded streams.
func NewSSEFramer(r io.Reader) Framer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	return &sseFramer{scanner: scanner}
}

// Next advances to the next event. The [DONE] sentinel terminates the stream.
func (s *sseFramer) Next() (RawEvent, error) {
	if s.done {
		return RawEvent{}, io.EOF
	}

	var event RawEvent
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Empty lines are event boundaries; emit if we collected data.
		if len(line) == 0 {
			if event.Data != nil {
				return event, nil
			}
			event.Name = ""
			continue
		}

		if rest, ok := bytes.CutPrefix(line, []byte("event:")); ok {
			event.Name = string(bytes.TrimSpace(rest))
			continue
		}

		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data := bytes.TrimSpace(rest)
			if bytes.Equal(data, []byte("[DONE]")) {
				s.done = true
				return RawEvent{}, io.EOF
			}
			// Copy out of the scanner's buffer; it is reused between Scans.
			event.Data = append(event.Data, data...)
		}
	}

	if err := s.scanner.Err(); err != nil {
		return RawEvent{}, err
	}
	if event.Data != nil {
		return event, nil
	}
	return RawEvent{}, io.EOF
}

// googleFramer splits Google AI Studio streaming bodies. Depending on the
// request, Google returns either SSE or a JSON array of response objects;
// both decode to a sequence of JSON events here.
type googleFramer struct {
	reader  *bufio.Reader
	sse     Framer
	decoder *json.Decoder
	inArray bool
	started bool
}

// NewGoogleFramer creates a framer for Google streaming bodies.
func NewGoogleFramer(r io.Reader) Framer {
	return &googleFramer{reader: bufio.NewReader(r)}
}

func (g *googleFramer) Next() (RawEvent, error) {
	if !g.started {
		if err := g.start(); err != nil {
			return RawEvent{}, err
		}
	}

	if g.sse != nil {
		return g.sse.Next()
	}

	if g.inArray && !g.decoder.More() {
		// Consume the closing bracket.
		if _, err := g.decoder.Token(); err != nil && err != io.EOF {
			return RawEvent{}, err
		}
		return RawEvent{}, io.EOF
	}

	var raw json.RawMessage
	if err := g.decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return RawEvent{}, io.EOF
		}
		return RawEvent{}, fmt.Errorf("decoding stream object: %w", err)
	}
	return RawEvent{Data: raw}, nil
}

// start sniffs the first meaningful byte to pick the encoding.
func (g *googleFramer) start() error {
	g.started = true

	for {
		b, err := g.reader.Peek(1)
		if err != nil {
			if err == io.EOF {
				g.decoder = json.NewDecoder(g.reader)
				return nil
			}
			return err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := g.reader.ReadByte(); err != nil {
				return err
			}
			continue
		case '[':
			g.decoder = json.NewDecoder(g.reader)
			if _, err := g.decoder.Token(); err != nil {
				return fmt.Errorf("reading stream array: %w", err)
			}
			g.inArray = true
			return nil
		case '{':
			// Concatenated JSON objects.
			g.decoder = json.NewDecoder(g.reader)
			return nil
		default:
			// "data:" prefix or anything else SSE-ish.
			g.sse = NewSSEFramer(g.reader)
			return nil
		}
	}
}
