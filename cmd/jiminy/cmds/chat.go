package cmds

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/jiminy/pkg/apiclient"
	"github.com/go-go-golems/jiminy/pkg/chatstore"
	"github.com/go-go-golems/jiminy/pkg/eventbus"
	"github.com/go-go-golems/jiminy/pkg/events"
	"github.com/go-go-golems/jiminy/pkg/messagelog"
	"github.com/go-go-golems/jiminy/pkg/session"
	"github.com/go-go-golems/jiminy/pkg/transport"
	"github.com/go-go-golems/jiminy/pkg/widget"
)

var (
	chatTransport string
	chatSessionID string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive support-chat session against a backend",
	Long: `Drives the widget controller from the terminal: opens the widget,
streams assistant replies as they arrive, and persists the session so a
later invocation resumes the same conversation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("transport") && cfg.Transport != "" {
			chatTransport = cfg.Transport
		}
		return runChat(cmd.Context())
	},
}

func buildTransport() (transport.Transport, error) {
	switch chatTransport {
	case "sse":
		return transport.NewSSETransport(cfg.BackendURL), nil
	case "ws":
		wsURL := "ws" + strings.TrimPrefix(cfg.BackendURL, "http") + "/api/chat/ws"
		return transport.NewWSTransport(wsURL), nil
	}
	return nil, errors.Errorf("unknown transport %q (want sse or ws)", chatTransport)
}

func runChat(ctx context.Context) error {
	tr, err := buildTransport()
	if err != nil {
		return err
	}

	storage, err := session.NewFileStorage(cfg.StateDir)
	var sessions *session.Store
	if err != nil {
		log.Warn().Err(err).Msg("state directory unavailable; session will not survive restarts")
		sessions = session.NewStore(session.NewMemoryStorage())
	} else {
		sessions = session.NewStore(storage)
	}

	dsn, err := chatstore.SQLiteTranscriptDSNForFile(filepath.Join(cfg.StateDir, "transcript.db"))
	var transcripts chatstore.TranscriptStore
	if err == nil {
		transcripts, err = chatstore.NewSQLiteTranscriptStore(dsn)
	}
	if err != nil {
		log.Warn().Err(err).Msg("transcript cache unavailable; falling back to in-memory cache")
		transcripts = chatstore.NewMemoryTranscriptStore()
	}
	defer func() { _ = transcripts.Close() }()

	bus, err := eventbus.NewBus(eventbus.Settings{
		RedisEnabled:  cfg.RedisEnabled,
		RedisAddr:     cfg.RedisAddr,
		RedisGroup:    cfg.RedisGroup,
		RedisConsumer: cfg.RedisConsumer,
	})
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	w := widget.New(sessions, messagelog.New(), tr,
		widget.WithAPIClient(apiclient.NewClient(cfg.BackendURL)),
		widget.WithTranscriptStore(transcripts),
		widget.WithBus(bus),
	)

	if err := w.LoadSession(ctx, chatSessionID); err != nil {
		return err
	}

	sessionID := w.SessionID()
	if cfg.RedisEnabled {
		if err := eventbus.EnsureGroupAtTail(ctx, cfg.RedisAddr, eventbus.TopicForSession(sessionID), cfg.RedisGroup); err != nil {
			log.Warn().Err(err).Msg("failed to prepare redis consumer group")
		}
	}

	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()
	eventCh, err := bus.Subscribe(busCtx, sessionID)
	if err != nil {
		return err
	}

	if err := w.Open(); err != nil {
		return err
	}

	fmt.Printf("session %s (transport: %s)\n", sessionID, chatTransport)
	for _, msg := range w.Messages() {
		printMessage(msg)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}

		if err := w.SendMessage(ctx, line); err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if err := streamReply(ctx, eventCh); err != nil {
			return err
		}
	}

	return errors.Wrap(w.Close(), "failed to close widget")
}

// streamReply prints assistant deltas until the turn reaches a terminal
// event.
func streamReply(ctx context.Context, eventCh <-chan events.Event) error {
	fmt.Print("assistant> ")
	for {
		select {
		case e, ok := <-eventCh:
			if !ok {
				fmt.Println()
				return errors.New("event stream closed")
			}
			switch ev := e.(type) {
			case *events.EventDelta:
				fmt.Print(ev.Delta)
			case *events.EventFinal:
				fmt.Println()
				return nil
			case *events.EventError:
				fmt.Printf("\n[%s] %s\n", ev.Kind, ev.Message)
				return nil
			}
		case <-ctx.Done():
			fmt.Println()
			return ctx.Err()
		}
	}
}

func printMessage(msg messagelog.Message) {
	label := string(msg.Role)
	if msg.Status == messagelog.StatusFailed {
		label += " (failed)"
	}
	fmt.Printf("%s> %s\n", label, msg.Content)
}

func init() {
	chatCmd.Flags().StringVar(&chatTransport, "transport", "sse", "Streaming transport (sse or ws)")
	chatCmd.Flags().StringVar(&chatSessionID, "session-id", "", "Resume an externally shared session id")
	rootCmd.AddCommand(chatCmd)
}
