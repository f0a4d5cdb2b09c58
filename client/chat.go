package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hizkifw/lmrelay/config"
	"github.com/hizkifw/lmrelay/message"
	"github.com/hizkifw/lmrelay/store"
	"github.com/hizkifw/lmrelay/transport"
	"github.com/peterh/liner"
)

type ChatOpts struct {
	Server url.URL `arg:"--server" help:"address of the hub, e.g. ws://127.0.0.1:9090"`
	Store  string  `arg:"--store" help:"path of the conversation database"`
	System string  `arg:"--system" help:"system prompt for new conversations"`
	Config string  `arg:"--config,env:LMRELAY_CONFIG" help:"YAML or TOML config file"`
}

func DefaultChatOpts() ChatOpts {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return ChatOpts{
		Server: url.URL{Scheme: "ws", Host: "127.0.0.1:9090"},
		Store:  filepath.Join(dir, ".lmrelay", "chat.db"),
	}
}

// Apply copies the values set in a config file section onto the options.
func (o *ChatOpts) Apply(c config.Chat) error {
	if c.Server != "" {
		u, err := url.Parse(c.Server)
		if err != nil {
			return fmt.Errorf("chat.server: %w", err)
		}
		o.Server = *u
	}
	if c.Store != "" {
		o.Store = c.Store
	}
	if c.System != "" {
		o.System = c.System
	}
	return nil
}

func chatURL(server url.URL) string {
	switch server.Scheme {
	case "http", "":
		server.Scheme = "ws"
	case "https":
		server.Scheme = "wss"
	}
	return server.JoinPath("/v1/chat/ws").String()
}

const chatHelp = `Commands:
  /new            start a new conversation
  /list           list conversations
  /open <n|id>    switch to a conversation
  /delete <n|id>  delete a conversation
  /title <text>   rename the current conversation
  /sys <prompt>   set the system prompt of the current conversation
  /help           show this help
  /exit           quit
Ctrl-C while a reply is streaming stops it.`

// chat is one interactive session: a consumer bound to a stored
// conversation.
type chat struct {
	out      io.Writer
	store    *store.Store
	consumer *Consumer
	system   string

	// convLock guards conv and keeps it paired with the consumer's messages
	// while notices persist from the receive goroutine.
	convLock sync.Mutex
	conv     *store.Conversation

	// settled receives a value whenever a stream stops.
	settled chan struct{}
}

func newChat(out io.Writer, st *store.Store, ch Channel, system string) *chat {
	c := &chat{
		out:     out,
		store:   st,
		system:  system,
		settled: make(chan struct{}, 1),
	}
	c.consumer = NewConsumer(ch, c.onNotice)
	return c
}

func (c *chat) onNotice(n Notice) {
	switch n.Event {
	case message.EventMessageChunk:
		fmt.Fprint(c.out, n.Text)
		return
	case message.EventStreamEnd:
		fmt.Fprintln(c.out)
	case message.EventConnect:
		fmt.Fprintln(c.out, "[connected]")
		return
	default:
		if n.Text != "" {
			fmt.Fprintf(c.out, "\n[%s]\n", n.Text)
		}
	}
	c.persist()
	select {
	case c.settled <- struct{}{}:
	default:
	}
}

func (c *chat) persist() {
	c.convLock.Lock()
	defer c.convLock.Unlock()
	c.persistLocked()
}

func (c *chat) persistLocked() {
	if c.conv == nil {
		return
	}
	if err := c.store.UpdateMessages(c.conv.Id, c.consumer.Messages()); err != nil {
		fmt.Fprintf(c.out, "[failed to save conversation: %v]\n", err)
	}
}

// current returns the open conversation, or nil.
func (c *chat) current() *store.Conversation {
	c.convLock.Lock()
	defer c.convLock.Unlock()
	return c.conv
}

func (c *chat) currentId() string {
	if conv := c.current(); conv != nil {
		return conv.Id
	}
	return ""
}

// open loads the most recent conversation, creating one if none exist.
func (c *chat) open() error {
	convs, err := c.store.List()
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		return c.newConversation()
	}
	c.switchTo(convs[0])
	return nil
}

func (c *chat) newConversation() error {
	conv, err := c.store.Add(store.TypeNormal)
	if err != nil {
		return err
	}
	if c.system != "" {
		conv.Messages = message.History{{Role: message.RoleSystem, Content: c.system}}
		if err := c.store.Save(conv); err != nil {
			return err
		}
	}
	c.switchTo(conv)
	return nil
}

func (c *chat) switchTo(conv *store.Conversation) {
	c.convLock.Lock()
	c.conv = conv
	c.consumer.Load(conv.Messages)
	c.convLock.Unlock()
	fmt.Fprintf(c.out, "[%s] %d messages\n", conv.Title, len(conv.Messages))
}

// resolve finds a conversation by list position (1-based) or id.
func (c *chat) resolve(arg string) (*store.Conversation, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		convs, err := c.store.List()
		if err != nil {
			return nil, err
		}
		if n < 1 || n > len(convs) {
			return nil, fmt.Errorf("no conversation #%d", n)
		}
		return convs[n-1], nil
	}
	return c.store.Get(arg)
}

// send submits text as the next user message. It reports whether a reply
// is now streaming.
func (c *chat) send(text string) bool {
	history := append(c.consumer.Messages(), message.Message{Role: message.RoleUser, Content: text})
	if !c.consumer.SubmitHistory(history) {
		return false
	}
	c.persist()
	return true
}

// handleLine runs one line of input. It returns false once the user asked
// to quit.
func (c *chat) handleLine(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return true, nil
	}
	if !strings.HasPrefix(line, "/") {
		c.send(line)
		return true, nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/exit", "/quit":
		return false, nil

	case "/help":
		fmt.Fprintln(c.out, chatHelp)

	case "/new":
		return true, c.newConversation()

	case "/list":
		convs, err := c.store.List()
		if err != nil {
			return true, err
		}
		openId := c.currentId()
		for i, conv := range convs {
			marker := " "
			if conv.Id == openId {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s %2d. %-50s %s  %s\n", marker, i+1, conv.Title,
				conv.UpdatedAt.Format(time.DateTime), conv.Id)
		}

	case "/open":
		conv, err := c.resolve(arg)
		if err != nil {
			return true, err
		}
		c.switchTo(conv)

	case "/delete":
		conv, err := c.resolve(arg)
		if err != nil {
			return true, err
		}
		if err := c.store.Delete(conv.Id); err != nil {
			return true, err
		}
		fmt.Fprintf(c.out, "[deleted %s]\n", conv.Title)
		c.convLock.Lock()
		wasOpen := c.conv != nil && c.conv.Id == conv.Id
		if wasOpen {
			c.conv = nil
		}
		c.convLock.Unlock()
		if wasOpen {
			return true, c.open()
		}

	case "/title":
		c.convLock.Lock()
		defer c.convLock.Unlock()
		if c.conv == nil || arg == "" {
			return true, errors.New("usage: /title <text>")
		}
		if err := c.store.UpdateTitle(c.conv.Id, arg); err != nil {
			return true, err
		}
		c.conv.Title = arg

	case "/sys":
		c.convLock.Lock()
		defer c.convLock.Unlock()
		if c.conv == nil {
			return true, errors.New("no conversation open")
		}
		history := c.consumer.Messages()
		switch {
		case arg == "" && len(history) > 0 && history[0].Role == message.RoleSystem:
			history = history[1:]
		case arg == "":
		case len(history) > 0 && history[0].Role == message.RoleSystem:
			history[0].Content = arg
		default:
			history = append(message.History{{Role: message.RoleSystem, Content: arg}}, history...)
		}
		c.consumer.Load(history)
		c.persistLocked()

	default:
		return true, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return true, nil
}

// wait blocks until the current stream stops. An interrupt abandons it.
func (c *chat) wait(ctx context.Context, interrupt <-chan os.Signal) {
	for c.consumer.Loading() {
		select {
		case <-c.settled:
		case <-interrupt:
			c.consumer.Abandon()
			fmt.Fprintln(c.out, "\n[cancelled]")
			c.persist()
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunChat runs the interactive chat client until the user quits or ctx is
// cancelled.
func RunChat(opts *ChatOpts, ctx context.Context) error {
	st, err := store.Open(opts.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := transport.New(transport.DefaultOptions(chatURL(opts.Server), message.EventCodec))
	c := newChat(os.Stdout, st, ch, opts.System)
	if err := c.open(); err != nil {
		return err
	}

	go func() {
		if err := ch.Run(ctx); err != nil {
			fmt.Fprintf(os.Stdout, "\n[%v]\n", err)
		}
	}()
	defer ch.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := opts.Store + ".history"
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.OpenFile(histPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintln(c.out, "Type a message, or /help for commands.")
	for ctx.Err() == nil {
		input, err := line.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out)
				return nil
			}
			return err
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		more, err := c.handleLine(input)
		if err != nil {
			fmt.Fprintf(c.out, "[error] %v\n", err)
		}
		if !more {
			return nil
		}
		c.wait(ctx, interrupt)
	}
	return nil
}
