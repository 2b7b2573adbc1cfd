package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"

	"github.com/comigor/carechat-go/internal/backend"
	"github.com/comigor/carechat-go/internal/logger"
)

const dataPrefix = "data:"

// Decoder turns a text/event-stream body into Events. It keeps only the
// incomplete trailing line between calls. Lines that are not "data:" fields,
// carry malformed JSON, or name an unknown type are dropped; decoding always
// continues with the next line.
//
// A Decoder is single use: once Flush has been called or Events has returned,
// start a new one.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the buffered partial line and returns the events of
// every line the chunk completed, in order.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var out []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if ev, ok := decodeLine(d.buf[:i]); ok {
			out = append(out, ev)
		}
		d.buf = d.buf[i+1:]
	}

	// Reclaim the consumed prefix once nothing is pending.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush decodes the final unterminated line, if any. The last line of a
// stream need not end in a newline.
func (d *Decoder) Flush() []Event {
	rest := d.buf
	d.buf = nil
	if len(rest) == 0 {
		return nil
	}
	if ev, ok := decodeLine(rest); ok {
		return []Event{ev}
	}
	return nil
}

// Events reads r in chunks of bufSize bytes and yields decoded events lazily
// in arrival order. A read error other than io.EOF is yielded once with a
// zero Event and ends the sequence. Cancelling ctx ends the sequence without
// yielding an error; the caller observes ctx.Err() itself.
func (d *Decoder) Events(ctx context.Context, r io.Reader, bufSize int) iter.Seq2[Event, error] {
	if bufSize <= 0 {
		bufSize = 4096
	}
	return func(yield func(Event, error) bool) {
		chunk := make([]byte, bufSize)
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := r.Read(chunk)
			if n > 0 {
				for _, ev := range d.Feed(chunk[:n]) {
					if ctx.Err() != nil {
						return
					}
					if !yield(ev, nil) {
						return
					}
				}
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				for _, ev := range d.Flush() {
					if !yield(ev, nil) {
						return
					}
				}
				return
			}
			yield(Event{}, err)
			return
		}
	}
}

// envelope carries every field any event kind may use. Pointers tell a
// missing required field from its zero value.
type envelope struct {
	Type                Kind                     `json:"type"`
	SessionID           *string                  `json:"session_id"`
	RiskScore           *int                     `json:"risk_score"`
	RiskLevel           *backend.RiskLevel       `json:"risk_level"`
	TriageActivated     bool                     `json:"triage_activated"`
	HumanHandoff        bool                     `json:"human_handoff"`
	Content             *string                  `json:"content"`
	Resources           []backend.CrisisResource `json:"resources"`
	SessionMessageCount *int                     `json:"session_message_count"`
}

func decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false
	}
	payload := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.L.Debug("dropping malformed stream line", "error", err)
		return Event{}, false
	}

	switch env.Type {
	case KindMetadata:
		if env.SessionID == nil || env.RiskScore == nil || env.RiskLevel == nil {
			logger.L.Debug("dropping metadata event with missing fields")
			return Event{}, false
		}
		return Event{Kind: KindMetadata, Metadata: &Metadata{
			SessionID:       *env.SessionID,
			RiskScore:       *env.RiskScore,
			RiskLevel:       *env.RiskLevel,
			TriageActivated: env.TriageActivated,
			HumanHandoff:    env.HumanHandoff,
		}}, true
	case KindToken:
		if env.Content == nil {
			logger.L.Debug("dropping token event without content")
			return Event{}, false
		}
		return Event{Kind: KindToken, Token: *env.Content}, true
	case KindCrisis:
		if env.Resources == nil {
			logger.L.Debug("dropping crisis event without resources")
			return Event{}, false
		}
		return Event{Kind: KindCrisis, Crisis: env.Resources}, true
	case KindDone:
		if env.SessionMessageCount == nil {
			logger.L.Debug("dropping done event without message count")
			return Event{}, false
		}
		return Event{Kind: KindDone, Done: &Done{SessionMessageCount: *env.SessionMessageCount}}, true
	default:
		return Event{}, false
	}
}
