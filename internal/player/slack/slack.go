// Package slack implements an operator console over Slack Socket Mode: owner
// messages in one channel become player commands and replies are posted back.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/wolfpack/internal/player"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// DefaultCommandPrefix starts console commands. Slack reserves "/" for its
// own slash commands.
const DefaultCommandPrefix = "!"

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	DeleteMessage(channel, messageTimestamp string) (string, string, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Console turns Slack messages from operators into player.Command events.
type Console struct {
	client    slackClient
	socket    socketClient
	appToken  string
	botToken  string
	channelID string
	owners    map[string]bool
	prefix    string
	logger    *slog.Logger

	mu           sync.Mutex
	botUserID    string
	connected    bool
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// ConsoleOpts holds parameters for creating a Console.
type ConsoleOpts struct {
	AppToken      string   // xapp-... Slack app-level token for Socket Mode
	BotToken      string   // xoxb-... Slack bot token
	ChannelID     string   // ops channel the console listens in
	Owners        []string // Slack user ids allowed to issue commands
	CommandPrefix string   // defaults to DefaultCommandPrefix
	Logger        *slog.Logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Console.
func New(opts ConsoleOpts) (*Console, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	if len(opts.Owners) == 0 {
		return nil, fmt.Errorf("slack: at least one owner is required")
	}
	owners := make(map[string]bool, len(opts.Owners))
	for _, o := range opts.Owners {
		owners[o] = true
	}
	prefix := opts.CommandPrefix
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		owners:       owners,
		prefix:       prefix,
		logger:       logger,
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates with Slack.
func (c *Console) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if c.client == nil {
		api := slackapi.New(c.botToken, slackapi.OptionAppLevelToken(c.appToken))
		c.client = api
		c.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := c.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID
	c.connected = true
	return nil
}

// Run pumps console commands into h until ctx is cancelled. Connect must be
// called first.
func (c *Console) Run(ctx context.Context, h player.EventHandler) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}

	go c.runWithReconnect(ctx)

	events := c.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if cmd, ok := c.handleSocketEvent(evt); ok {
				h.Handle(ctx, cmd)
			}
		}
	}
}

// Reply posts text to a channel and returns the message timestamp as its id.
func (c *Console) Reply(ctx context.Context, chatID, text string) (player.MessageRef, error) {
	var channel, ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		channel, ts, postErr = c.client.PostMessage(chatID, slackapi.MsgOptionText(text, false))
		return postErr
	})
	if err != nil {
		return player.MessageRef{}, fmt.Errorf("slack: post message: %w", err)
	}
	return player.MessageRef{ChatID: channel, MessageID: ts}, nil
}

// Delete removes a message posted by Reply.
func (c *Console) Delete(ctx context.Context, ref player.MessageRef) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, delErr := c.client.DeleteMessage(ref.ChatID, ref.MessageID)
		return delErr
	})
	if err != nil {
		return fmt.Errorf("slack: delete message: %w", err)
	}
	return nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error.
func (c *Console) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < c.maxReconnect; attempt++ {
		err := c.socket.Run()
		if err == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseBackoff
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}
		c.logger.Warn("slack: socket mode disconnected, reconnecting",
			"attempt", attempt+1, "max", c.maxReconnect, "err", err, "wait", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	c.logger.Error("slack: socket mode exhausted reconnection attempts", "attempts", c.maxReconnect)
}

// handleSocketEvent acknowledges Events API envelopes and decodes operator
// commands from them.
func (c *Console) handleSocketEvent(evt socketmode.Event) (player.Command, bool) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return player.Command{}, false
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		if eventsAPIEvent.Type != slackevents.CallbackEvent {
			return player.Command{}, false
		}
		if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			return c.decodeMessage(ev)
		}

	case socketmode.EventTypeConnected:
		c.logger.Info("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		c.logger.Warn("slack: connection error", "data", evt.Data)
	}
	return player.Command{}, false
}

// decodeMessage accepts owner messages in the ops channel that parse as
// commands.
func (c *Console) decodeMessage(ev *slackevents.MessageEvent) (player.Command, bool) {
	c.mu.Lock()
	self := c.botUserID
	c.mu.Unlock()
	if ev.User == self || ev.BotID != "" || ev.SubType != "" {
		return player.Command{}, false
	}
	if ev.Channel != c.channelID || !c.owners[ev.User] {
		return player.Command{}, false
	}
	name, args, ok := player.ParseCommand(c.prefix, ev.Text)
	if !ok {
		return player.Command{}, false
	}
	return player.Command{
		ChatID:   ev.Channel,
		SenderID: ev.User,
		Private:  true,
		Name:     name,
		Args:     args,
		Replier:  c,
	}, true
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
