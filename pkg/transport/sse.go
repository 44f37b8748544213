package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/events"
)

// SSETransport speaks the default wire protocol: one POST to the chat
// endpoint whose response body is a text/event-stream of event envelopes.
type SSETransport struct {
	baseURL string
	opts    Options
}

var _ Transport = (*SSETransport)(nil)

func NewSSETransport(baseURL string, opts ...Option) *SSETransport {
	return &SSETransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    applyOptions(opts),
	}
}

// Validate checks the prompt against the send constraints and returns the
// trimmed text.
func (t *SSETransport) Validate(text string) (string, error) {
	return validatePrompt(text, t.opts.MaxRunes)
}

// Send validates the prompt and returns a cancellable handle immediately;
// the exchange runs on its own goroutine.
func (t *SSETransport) Send(ctx context.Context, sessionID string, text string, handler EventHandler) (*Handle, error) {
	prompt, err := t.Validate(text)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := NewHandle(handler, cancel)
	h.armStartTimeout(t.opts.StartTimeout)

	go t.run(runCtx, h, sessionID, prompt)
	return h, nil
}

func (t *SSETransport) run(ctx context.Context, h *Handle, sessionID string, prompt string) {
	// one automatic retry with back-off, but only while the stream has not
	// started yet
	for attempt := 0; ; attempt++ {
		err := t.exchange(ctx, h, sessionID, prompt)
		if err == nil {
			return
		}
		if h.Started() {
			log.Warn().Err(err).Str("component", "transport").Str("handle_id", h.id).Msg("stream interrupted mid-response")
			h.dispatchError(events.ErrorKindStreamInterrupted, err.Error())
			return
		}
		if ctx.Err() != nil {
			// canceled or timed out; the handle already saw its terminal event
			return
		}
		if attempt == 0 {
			log.Debug().Err(err).Str("component", "transport").Str("handle_id", h.id).Dur("backoff", t.opts.RetryBackoff).Msg("retrying send after transient failure")
			select {
			case <-time.After(t.opts.RetryBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		h.dispatchError(events.ErrorKindConnectionRefused, err.Error())
		return
	}
}

// exchange performs one POST and consumes the streamed body. A nil return
// means a terminal event was dispatched (or the handle is already done).
func (t *SSETransport) exchange(ctx context.Context, h *Handle, sessionID string, prompt string) error {
	body, err := json.Marshal(ChatRequestBody{
		SessionID:      sessionID,
		Prompt:         prompt,
		IdempotencyKey: h.id,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Idempotency-Key", h.id)

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "chat request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("chat endpoint returned status %d", resp.StatusCode)
	}

	return t.consume(resp.Body, h)
}

// consume parses the SSE body and dispatches events until a terminal event
// arrives or the body ends.
func (t *SSETransport) consume(r io.Reader, h *Handle) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	flush := func() bool {
		if len(data) == 0 {
			return false
		}
		payload := strings.Join(data, "\n")
		data = nil
		ev, err := events.NewEventFromJSON([]byte(payload))
		if err != nil {
			log.Warn().Err(err).Str("component", "transport").Str("handle_id", h.id).Msg("skipping undecodable stream frame")
			return false
		}
		h.DispatchEvent(ev)
		_, terminal := ev.(*events.EventFinal)
		if _, isErr := ev.(*events.EventError); isErr {
			terminal = true
		}
		return terminal
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if flush() {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}
	if flush() {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "stream read failed")
	}
	return errors.New("stream ended without terminal event")
}
