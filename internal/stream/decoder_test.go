package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/carechat-go/internal/backend"
)

func tokens(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == KindToken {
			out = append(out, ev.Token)
		}
	}
	return out
}

func TestDecoder_TokenRoundTrip(t *testing.T) {
	d := NewDecoder()

	evs := d.Feed([]byte(`data: {"type":"token","content":"hi"}` + "\n"))
	require.Len(t, evs, 1)
	assert.Equal(t, KindToken, evs[0].Kind)
	assert.Equal(t, "hi", evs[0].Token)

	evs = d.Feed([]byte(`data: {"type":"token","content":" there"}` + "\n"))
	require.Len(t, evs, 1)
	assert.Equal(t, " there", evs[0].Token)
}

func TestDecoder_ChunksSplitAcrossLines(t *testing.T) {
	body := `data: {"type":"token","content":"a"}` + "\n\n" +
		`data: {"type":"token","content":"b"}` + "\n\n" +
		`data: {"type":"done","session_message_count":2}` + "\n\n"

	// Every split point must decode to the same sequence.
	for size := 1; size <= len(body); size++ {
		d := NewDecoder()
		var evs []Event
		for i := 0; i < len(body); i += size {
			end := min(i+size, len(body))
			evs = append(evs, d.Feed([]byte(body[i:end]))...)
		}
		evs = append(evs, d.Flush()...)

		require.Len(t, evs, 3, "chunk size %d", size)
		assert.Equal(t, []string{"a", "b"}, tokens(evs))
		assert.Equal(t, KindDone, evs[2].Kind)
		assert.Equal(t, 2, evs[2].Done.SessionMessageCount)
	}
}

func TestDecoder_MalformedLineIsDropped(t *testing.T) {
	d := NewDecoder()
	evs := d.Feed([]byte(
		`data: {"type":"token","content":"before"}` + "\n" +
			`data: {not json` + "\n" +
			`data: {"type":"token","content":"after"}` + "\n"))

	assert.Equal(t, []string{"before", "after"}, tokens(evs))
}

func TestDecoder_IgnoresUnknownTypesAndOtherFields(t *testing.T) {
	d := NewDecoder()
	evs := d.Feed([]byte(
		": keep-alive\n" +
			"event: message\n" +
			`data: {"type":"replace","content":"x"}` + "\n" +
			`data: {"content":"no type"}` + "\n" +
			`data: {"type":"token"}` + "\n" +
			`data: {"type":"token","content":"ok"}` + "\n"))

	require.Len(t, evs, 1)
	assert.Equal(t, "ok", evs[0].Token)
}

func TestDecoder_CRLFAndNoSpaceAfterColon(t *testing.T) {
	d := NewDecoder()
	evs := d.Feed([]byte(`data:{"type":"token","content":"x"}` + "\r\n"))
	require.Len(t, evs, 1)
	assert.Equal(t, "x", evs[0].Token)
}

func TestDecoder_FlushEmitsUnterminatedLine(t *testing.T) {
	d := NewDecoder()
	require.Empty(t, d.Feed([]byte(`data: {"type":"done","session_message_count":4}`)))

	evs := d.Flush()
	require.Len(t, evs, 1)
	assert.Equal(t, 4, evs[0].Done.SessionMessageCount)
	assert.Empty(t, d.Flush())
}

func TestDecoder_FlushDropsIncompleteTail(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`data: {"type":"token","cont`))
	assert.Empty(t, d.Flush())
}

func TestDecoder_MetadataAndCrisis(t *testing.T) {
	d := NewDecoder()
	evs := d.Feed([]byte(
		`data: {"type":"metadata","session_id":"sess_1","risk_score":85,"risk_level":"critical","triage_activated":true,"human_handoff":true}` + "\n" +
			`data: {"type":"crisis","resources":[{"name":"Linea de la Vida","number":"800-911-2000","hours":"24/7","type":"hotline","description":"Free"}]}` + "\n"))

	require.Len(t, evs, 2)
	md := evs[0].Metadata
	require.NotNil(t, md)
	assert.Equal(t, Metadata{
		SessionID:       "sess_1",
		RiskScore:       85,
		RiskLevel:       backend.RiskCritical,
		TriageActivated: true,
		HumanHandoff:    true,
	}, *md)

	require.Len(t, evs[1].Crisis, 1)
	assert.Equal(t, "800-911-2000", evs[1].Crisis[0].Number)
}

func TestDecoder_MetadataMissingSessionIsDropped(t *testing.T) {
	d := NewDecoder()
	evs := d.Feed([]byte(`data: {"type":"metadata","risk_score":1,"risk_level":"low"}` + "\n"))
	assert.Empty(t, evs)
}

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestDecoder_EventsIsLazyAndOrdered(t *testing.T) {
	r := &chunkReader{chunks: []string{
		`data: {"type":"token","content":"one"}` + "\n",
		`data: {"type":"tok`,
		`en","content":"two"}` + "\n" + `data: {"type":"done","session_message_count":1}`,
	}}

	var got []Event
	for ev, err := range NewDecoder().Events(context.Background(), r, 8) {
		require.NoError(t, err)
		got = append(got, ev)
	}

	require.Len(t, got, 3)
	assert.Equal(t, []string{"one", "two"}, tokens(got))
	assert.Equal(t, KindDone, got[2].Kind)
}

func TestDecoder_EventsStopsWhenConsumerBreaks(t *testing.T) {
	r := strings.NewReader(strings.Repeat(`data: {"type":"token","content":"x"}`+"\n", 10))

	n := 0
	for range NewDecoder().Events(context.Background(), r, 4096) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestDecoder_EventsYieldsReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := &chunkReader{chunks: []string{`data: {"type":"token","content":"x"}` + "\n"}, err: boom}

	var errs []error
	var toks []string
	for ev, err := range NewDecoder().Events(context.Background(), r, 64) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		toks = append(toks, ev.Token)
	}

	assert.Equal(t, []string{"x"}, toks)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestDecoder_EventsEndsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := strings.NewReader(`data: {"type":"token","content":"x"}` + "\n")
	for range NewDecoder().Events(ctx, r, 64) {
		t.Fatal("no event expected after cancellation")
	}
}
