package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

const consoleHelp = `commands:
  /open ID            open a conversation
  /close              close the open conversation
  /older              load the previous history page
  /read               mark the open conversation read
  /list               list conversations
  /dm USER_ID         start a personal conversation
  /group NAME ID,...  start a group conversation
  /help               show this text
anything else is sent to the open conversation`

// chatClient is what the console drives. *messenger.Messenger satisfies it.
type chatClient interface {
	Send(ctx context.Context, text string) (models.Outbound, error)
	OpenConversation(ctx context.Context, id models.ID) error
	CloseConversation()
	LoadOlder(ctx context.Context) (int, error)
	MarkConversationRead(ctx context.Context, id models.ID) error
	CreatePersonalConversation(ctx context.Context, memberID models.ID) (models.Conversation, error)
	CreateGroupConversation(ctx context.Context, name string, memberIDs []models.ID) (models.Conversation, error)
}

// console reads commands and message text line by line and prints
// inbound messages.
type console struct {
	client chatClient
	engine *chat.Engine
	// onOpen is called after a conversation was opened successfully.
	onOpen func(models.ID)

	mu  sync.Mutex
	out io.Writer
}

func newConsole(client chatClient, engine *chat.Engine, out io.Writer) *console {
	return &console{client: client, engine: engine, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, format+"\n", args...)
}

// printMessage renders an inbound message. Own messages are skipped;
// they were printed when typed.
func (c *console) printMessage(msg models.Message) {
	if msg.SenderID == c.engine.Self() {
		return
	}

	sender := msg.SenderName
	if sender == "" {
		sender = "user " + msg.SenderID.String()
	}

	name := "Conversation " + msg.ChatID.String()
	if conv, ok := c.engine.Conversation(msg.ChatID); ok {
		name = conv.DisplayName(c.engine.Self())
	}

	c.printf("[%s] %s: %s", name, sender, msg.Text)
}

// Run processes lines from in until ctx is cancelled. End of input stops
// reading but Run keeps waiting for ctx so pushes are still printed.
func (c *console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}

			if err := c.handle(ctx, line); err != nil {
				c.printf("error: %v", err)
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		_, err := c.client.Send(ctx, line)
		return err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/open":
		if arg == "" {
			return errors.New("usage: /open ID")
		}

		id := models.ID(arg)
		if err := c.client.OpenConversation(ctx, id); err != nil {
			return err
		}

		if c.onOpen != nil {
			c.onOpen(id)
		}

		c.printHistory(id)

	case "/close":
		c.client.CloseConversation()

	case "/older":
		n, err := c.client.LoadOlder(ctx)
		if err != nil {
			return err
		}

		c.printf("loaded %d older messages", n)

	case "/read":
		id := c.engine.CurrentConversation()
		if id.IsZero() {
			return chat.ErrNoConversation
		}

		return c.client.MarkConversationRead(ctx, id)

	case "/list":
		for _, conv := range c.engine.Conversations() {
			c.printf("%s\t%s\t%d unread\t%s", conv.ID, conv.DisplayName(c.engine.Self()), conv.UnreadCount, conv.LastMessage)
		}

	case "/dm":
		if arg == "" {
			return errors.New("usage: /dm USER_ID")
		}

		conv, err := c.client.CreatePersonalConversation(ctx, models.ID(arg))
		if err != nil {
			return err
		}

		c.printf("created conversation %s", conv.ID)

	case "/group":
		name, rawIDs, ok := strings.Cut(arg, " ")
		if !ok || name == "" {
			return errors.New("usage: /group NAME ID,...")
		}

		var ids []models.ID

		for _, s := range strings.Split(rawIDs, ",") {
			if s = strings.TrimSpace(s); s != "" {
				ids = append(ids, models.ID(s))
			}
		}

		conv, err := c.client.CreateGroupConversation(ctx, name, ids)
		if err != nil {
			return err
		}

		c.printf("created conversation %s", conv.ID)

	case "/help":
		c.printf("%s", consoleHelp)

	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}

	return nil
}

func (c *console) printHistory(id models.ID) {
	for _, msg := range c.engine.Messages(id) {
		sender := msg.SenderName
		if sender == "" {
			sender = msg.SenderID.String()
		}

		c.printf("%s %s: %s", msg.Timestamp, sender, msg.Text)
	}
}
