package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

func newChatCommand(opts *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a session, printing trace steps as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), newAPIClient(opts.server), sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session to chat in (a new one is created when empty)")
	return cmd
}

// chatClient follows one session's event stream while the user types.
type chatClient struct {
	api       *apiClient
	conn      *websocket.Conn
	sessionID string
	runs      chan domain.RunEvent
	done      chan struct{}

	mu  sync.Mutex // guards out
	out io.Writer
}

func runChat(ctx context.Context, api *apiClient, sessionID string, in io.Reader, out io.Writer) error {
	if sessionID == "" {
		session, err := api.createSession(ctx)
		if err != nil {
			return errors.Wrap(err, "create session")
		}
		sessionID = session.SessionID
		fmt.Fprintf(out, "Created session %s\n", sessionID)
	}

	wsURL, err := api.streamURL(sessionID)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.Wrap(err, "dial session stream")
	}
	defer conn.Close()

	c := &chatClient{
		api:       api,
		conn:      conn,
		sessionID: sessionID,
		out:       out,
		runs:      make(chan domain.RunEvent, 16),
		done:      make(chan struct{}),
	}
	go c.readEvents()

	c.printf("Type a message and press Enter to send. /quit exits.\n")
	scanner := bufio.NewScanner(in)
	for {
		c.printf("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" {
			return nil
		}
		if err := c.turn(ctx, input); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.printf("error: %v\n", err)
		}
	}
}

// turn starts a run and waits for it to settle. An interrupt cancels the run.
func (c *chatClient) turn(ctx context.Context, content string) error {
	var started domain.AsyncTurnResponse
	path := "/v1/sessions/" + url.PathEscape(c.sessionID) + "/messages?async=true"
	if err := c.api.do(ctx, http.MethodPost, path, map[string]string{"content": content}, &started); err != nil {
		return err
	}

	for {
		select {
		case ev := <-c.runs:
			if ev.RunID != started.RunID || !ev.Status.IsTerminal() {
				continue
			}
			return c.settled(ctx, ev)
		case <-c.done:
			return errors.New("session stream closed")
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.api.do(cancelCtx, http.MethodPost, "/v1/runs/"+url.PathEscape(started.RunID)+"/cancel", nil, nil); err != nil {
				log.Warn().Err(err).Str("run_id", started.RunID).Msg("Failed to cancel run")
			}
			return ctx.Err()
		}
	}
}

func (c *chatClient) settled(ctx context.Context, ev domain.RunEvent) error {
	if ev.Status != domain.RunStatusCompleted {
		c.printf("run %s %s: %s\n", ev.RunID, ev.Status, ev.Error)
		return nil
	}
	messages, err := c.api.messages(ctx, c.sessionID)
	if err != nil {
		return err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].RunID == ev.RunID && messages[i].Role == domain.RoleAssistant {
			c.printf("%s\n", messages[i].Content)
			return nil
		}
	}
	c.printf("run %s completed without a reply\n", ev.RunID)
	return nil
}

func (c *chatClient) readEvents() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Session stream read ended")
			}
			return
		}

		var ev domain.RunEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("Undecodable stream event")
			continue
		}
		switch ev.Type {
		case domain.RunEventStep:
			if ev.Step != nil {
				c.printf("%s\n", stepLine(ev.Step))
			}
		case domain.RunEventRun:
			select {
			case c.runs <- ev:
			default:
				log.Debug().Str("run_id", ev.RunID).Msg("Dropped run event nobody is waiting for")
			}
		}
	}
}

func (c *chatClient) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func stepLine(step *domain.Step) string {
	line := fmt.Sprintf("  [%d %s]", step.Seq, step.Type)
	if step.Label != "" {
		line += " " + step.Label
	}
	if step.LatencyMs != nil {
		line += fmt.Sprintf(" (%dms)", *step.LatencyMs)
	}
	return line
}
