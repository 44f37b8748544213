package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/jiminy/pkg/apiclient"
	"github.com/go-go-golems/jiminy/pkg/chatstore"
	"github.com/go-go-golems/jiminy/pkg/events"
	"github.com/go-go-golems/jiminy/pkg/messagelog"
	"github.com/go-go-golems/jiminy/pkg/transport"
)

var (
	serveAddr  string
	serveDelay time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a mock widget backend for development",
	Long: `Serves the backend contract the widget consumes: a streaming chat
endpoint (SSE and websocket), the stored-transcript endpoint, session
resume/unsubscribe, and a health endpoint. Replies are canned echoes
streamed chunk by chunk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

type mockBackend struct {
	transcripts *chatstore.MemoryTranscriptStore
	upgrader    websocket.Upgrader
	chunkDelay  time.Duration
}

func runServe(ctx context.Context) error {
	backend := &mockBackend{
		transcripts: chatstore.NewMemoryTranscriptStore(),
		chunkDelay:  serveDelay,
	}

	srv := &http.Server{Addr: serveAddr, Handler: backend.routes()}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", serveAddr).Msg("mock backend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func (b *mockBackend) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", b.handleChat)
	mux.HandleFunc("GET /api/chat/ws", b.handleChatWS)
	mux.HandleFunc("GET /api/sessions/{id}/messages", b.handleHistory)
	mux.HandleFunc("POST /api/sessions/{id}/resume", b.handleAck)
	mux.HandleFunc("POST /api/sessions/{id}/unsubscribe", b.handleAck)
	mux.HandleFunc("GET /health", b.handleHealth)
	return mux
}

// reply produces the canned assistant response for a prompt, split into
// streamable chunks.
func reply(prompt string) []string {
	full := fmt.Sprintf("Thanks for reaching out! You said: %q. A teammate will follow up shortly.", prompt)
	words := strings.Split(full, " ")
	chunks := make([]string, 0, len(words))
	for i, word := range words {
		if i == 0 {
			chunks = append(chunks, word)
			continue
		}
		chunks = append(chunks, " "+word)
	}
	return chunks
}

func (b *mockBackend) recordMessage(ctx context.Context, sessionID string, role messagelog.Role, content string) messagelog.Message {
	msg := messagelog.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Status:    messagelog.StatusComplete,
		CreatedAt: time.Now(),
	}
	if err := b.transcripts.AppendMessage(ctx, sessionID, msg); err != nil {
		log.Warn().Err(err).Str("component", "mock-backend").Msg("failed to record message")
	}
	return msg
}

func (b *mockBackend) handleChat(w http.ResponseWriter, r *http.Request) {
	var body transport.ChatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" || body.SessionID == "" {
		http.Error(w, "sessionId and prompt are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	b.recordMessage(r.Context(), body.SessionID, messagelog.RoleUser, body.Prompt)
	messageID := uuid.NewString()

	writeFrame := func(e events.Event) bool {
		payload, err := events.MarshalEvent(e)
		if err != nil {
			log.Warn().Err(err).Str("component", "mock-backend").Msg("failed to marshal event")
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeFrame(events.NewStartEvent(body.SessionID, messageID)) {
		return
	}
	var completion strings.Builder
	for _, chunk := range reply(body.Prompt) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(b.chunkDelay):
		}
		completion.WriteString(chunk)
		if !writeFrame(events.NewDeltaEvent(body.SessionID, messageID, chunk, completion.String())) {
			return
		}
	}
	b.recordMessage(r.Context(), body.SessionID, messagelog.RoleAssistant, completion.String())
	writeFrame(events.NewFinalEvent(body.SessionID, messageID, completion.String()))
}

func (b *mockBackend) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var body transport.ChatRequestBody
	if err := conn.ReadJSON(&body); err != nil || strings.TrimSpace(body.Prompt) == "" {
		return
	}

	writeFrame := func(e events.Event) bool {
		payload, err := events.MarshalEvent(e)
		if err != nil {
			return false
		}
		return conn.WriteMessage(websocket.TextMessage, payload) == nil
	}

	b.recordMessage(r.Context(), body.SessionID, messagelog.RoleUser, body.Prompt)
	messageID := uuid.NewString()

	if !writeFrame(events.NewStartEvent(body.SessionID, messageID)) {
		return
	}
	var completion strings.Builder
	for _, chunk := range reply(body.Prompt) {
		time.Sleep(b.chunkDelay)
		completion.WriteString(chunk)
		if !writeFrame(events.NewDeltaEvent(body.SessionID, messageID, chunk, completion.String())) {
			return
		}
	}
	b.recordMessage(r.Context(), body.SessionID, messagelog.RoleAssistant, completion.String())
	writeFrame(events.NewFinalEvent(body.SessionID, messageID, completion.String()))
}

func (b *mockBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	msgs, err := b.transcripts.ListMessages(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(apiclient.HistoryResponse{
		SessionID: sessionID,
		Messages:  msgs,
	})
}

func (b *mockBackend) handleAck(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("component", "mock-backend").Str("path", r.URL.Path).Msg("session endpoint hit")
	w.WriteHeader(http.StatusNoContent)
}

func (b *mockBackend) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(apiclient.HealthStatus{
		Status:    "ok",
		Version:   "dev",
		Timestamp: time.Now(),
		Database:  "up",
		Redis:     "up",
	})
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8999", "Listen address")
	serveCmd.Flags().DurationVar(&serveDelay, "chunk-delay", 40*time.Millisecond, "Delay between streamed chunks")
	rootCmd.AddCommand(serveCmd)
}
