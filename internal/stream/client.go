package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/comigor/carechat-go/internal/backend"
	"github.com/comigor/carechat-go/internal/config"
	"github.com/comigor/carechat-go/internal/logger"
)

// StreamPath is the streaming chat route below the backend's API prefix.
const StreamPath = "/chat/stream"

var (
	// ErrNoBody is reported when a successful response carries no body.
	ErrNoBody = errors.New("stream response has no body")
	// ErrIncompleteStream is reported when the body ends before a done event.
	ErrIncompleteStream = errors.New("stream ended before done event")
)

// Handlers receive the events of one stream, in decoded order, on the
// stream's goroutine. Nil handlers are skipped.
//
// OnDone and OnError are mutually exclusive and each fires at most once.
// Neither fires when the stream is cancelled.
type Handlers struct {
	OnMetadata func(Metadata)
	OnToken    func(string)
	OnCrisis   func([]backend.CrisisResource)
	OnDone     func(Done)
	OnError    func(error)
}

// Client opens streaming chat requests against the backend.
type Client struct {
	baseURL    string
	client     *http.Client
	readBuffer int
}

// NewClient creates a stream client. Streams have no timeout of their own;
// they run until done, error, or cancellation.
func NewClient(cfg config.Config) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.Backend.BaseURL, "/"),
		client:     &http.Client{},
		readBuffer: cfg.Stream.ReadBuffer,
	}
}

// Open starts one streaming exchange for text in sessionID (empty for a new
// conversation) and returns its handle without waiting for the response.
// Callers must pass non-empty text.
func (c *Client) Open(ctx context.Context, sessionID, text string, hs Handlers) *Handle {
	sctx, cancel := context.WithCancel(ctx)
	h := NewHandle(cancel)

	go func() {
		defer cancel()
		defer h.release()
		c.run(sctx, h, backend.NewChatRequest(sessionID, text), hs)
	}()

	return h
}

func (c *Client) run(ctx context.Context, h *Handle, chatReq backend.ChatRequest, hs Handlers) {
	fail := func(err error) {
		if ctx.Err() != nil {
			h.finish(StateCancelled)
			return
		}
		if h.finish(StateFailed) {
			logger.L.Warn("stream failed", "error", err)
			if hs.OnError != nil {
				hs.OnError(err)
			}
		}
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		fail(fmt.Errorf("marshaling request: %w", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+backend.APIPrefix+StreamPath, bytes.NewReader(body))
	if err != nil {
		fail(fmt.Errorf("creating request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		fail(fmt.Errorf("sending request: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fail(backend.ErrorFromResponse(resp))
		return
	}
	if resp.Body == http.NoBody {
		fail(ErrNoBody)
		return
	}

	dec := NewDecoder()
	for ev, err := range dec.Events(ctx, resp.Body, c.readBuffer) {
		if err != nil {
			fail(fmt.Errorf("reading stream: %w", err))
			return
		}
		if !h.Active() {
			return
		}

		switch ev.Kind {
		case KindMetadata:
			if hs.OnMetadata != nil {
				hs.OnMetadata(*ev.Metadata)
			}
		case KindToken:
			if hs.OnToken != nil {
				hs.OnToken(ev.Token)
			}
		case KindCrisis:
			if hs.OnCrisis != nil {
				hs.OnCrisis(ev.Crisis)
			}
		case KindDone:
			if h.finish(StateCompleted) && hs.OnDone != nil {
				hs.OnDone(*ev.Done)
			}
			return
		}
	}

	if ctx.Err() != nil || !h.Active() {
		h.finish(StateCancelled)
		return
	}
	fail(ErrIncompleteStream)
}
