package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/events"
)

// WSTransport speaks the websocket variant of the chat protocol: dial, send
// one request frame, then read event envelopes until a terminal event.
type WSTransport struct {
	url    string
	dialer *websocket.Dialer
	opts   Options
}

var _ Transport = (*WSTransport)(nil)

func NewWSTransport(url string, opts ...Option) *WSTransport {
	return &WSTransport{
		url:    url,
		dialer: websocket.DefaultDialer,
		opts:   applyOptions(opts),
	}
}

// Validate checks the prompt against the send constraints and returns the
// trimmed text.
func (t *WSTransport) Validate(text string) (string, error) {
	return validatePrompt(text, t.opts.MaxRunes)
}

func (t *WSTransport) Send(ctx context.Context, sessionID string, text string, handler EventHandler) (*Handle, error) {
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

func (t *WSTransport) run(ctx context.Context, h *Handle, sessionID string, prompt string) {
	for attempt := 0; ; attempt++ {
		err := t.exchange(ctx, h, sessionID, prompt)
		if err == nil {
			return
		}
		if h.Started() {
			log.Warn().Err(err).Str("component", "transport").Str("handle_id", h.id).Msg("websocket stream interrupted mid-response")
			h.dispatchError(events.ErrorKindStreamInterrupted, err.Error())
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == 0 {
			log.Debug().Err(err).Str("component", "transport").Str("handle_id", h.id).Dur("backoff", t.opts.RetryBackoff).Msg("retrying websocket send after transient failure")
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

func (t *WSTransport) exchange(ctx context.Context, h *Handle, sessionID string, prompt string) error {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, http.Header{"Idempotency-Key": {h.id}})
	if err != nil {
		return errors.Wrap(err, "websocket dial failed")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	// close the socket when the exchange is canceled so ReadJSON unblocks
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-h.Done():
		}
	}()

	if err := conn.WriteJSON(ChatRequestBody{
		SessionID:      sessionID,
		Prompt:         prompt,
		IdempotencyKey: h.id,
	}); err != nil {
		return errors.Wrap(err, "failed to send chat request frame")
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "exchange canceled")
			}
			return errors.Wrap(err, "websocket read failed")
		}
		ev, err := events.NewEventFromJSON(payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "transport").Str("handle_id", h.id).Msg("skipping undecodable websocket frame")
			continue
		}
		h.DispatchEvent(ev)
		switch ev.(type) {
		case *events.EventFinal, *events.EventError:
			return nil
		}
	}
}
