// Package discord implements the player Transport for Discord using the
// Gateway WebSocket and the REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/wolfpack/internal/player"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxTrackedPrompts bounds the prompt cache used by Click.
	maxTrackedPrompts = 256
	// interactionComponent is the interaction type of a component click.
	interactionComponent = 3
)

// DefaultTokenPattern captures the game token from a menu option's custom id,
// e.g. "vote:abc123:42" yields "abc123".
var DefaultTokenPattern = regexp.MustCompile(`^[^:]+:([^:]+)`)

// DefaultJoinLabel is the label of the game bot's join link button.
const DefaultJoinLabel = "加入遊戲"

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	Request(method, urlStr string, data interface{}, options ...discordgo.RequestOption) ([]byte, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	return r.s.User(userID, options...)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) Request(method, urlStr string, data interface{}, options ...discordgo.RequestOption) ([]byte, error) {
	return r.s.Request(method, urlStr, data, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// promptMeta remembers what Click needs to press a prompt's buttons.
type promptMeta struct {
	applicationID string
	customIDs     []string
}

// Transport implements player.Transport for one Discord account.
type Transport struct {
	name          string
	token         string
	gameBot       string
	chats         map[string]bool
	commandPrefix string
	joinLabel     string
	tokenPattern  *regexp.Regexp
	logger        *slog.Logger

	sess        session
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu             sync.Mutex
	started        bool
	identity       player.Identity
	sessionID      string
	dmChannels     map[string]string // user id -> direct message channel id
	prompts        map[string]promptMeta
	promptOrder    []string
	removeHandlers []func()

	// emitMu guards events against sends after Stop closes it.
	emitMu   sync.RWMutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
	events   chan player.Event
}

// TransportOpts holds parameters for creating a Discord Transport.
type TransportOpts struct {
	Name          string   // worker name stamped on every event
	Token         string   // account token
	GameBot       string   // user id of the game bot
	Chats         []string // monitored channel ids
	CommandPrefix string   // defaults to "/"
	JoinLabel     string   // defaults to DefaultJoinLabel
	TokenPattern  *regexp.Regexp
	Logger        *slog.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Transport.
func New(opts TransportOpts) (*Transport, error) {
	if opts.Session == nil && opts.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("discord: worker name is required")
	}
	if opts.GameBot == "" {
		return nil, fmt.Errorf("discord: game bot id is required")
	}
	prefix := opts.CommandPrefix
	if prefix == "" {
		prefix = "/"
	}
	label := opts.JoinLabel
	if label == "" {
		label = DefaultJoinLabel
	}
	pattern := opts.TokenPattern
	if pattern == nil {
		pattern = DefaultTokenPattern
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chats := make(map[string]bool, len(opts.Chats))
	for _, c := range opts.Chats {
		chats[c] = true
	}

	t := &Transport{
		name:          opts.Name,
		token:         opts.Token,
		gameBot:       opts.GameBot,
		chats:         chats,
		commandPrefix: prefix,
		joinLabel:     label,
		tokenPattern:  pattern,
		logger:        logger.With("worker", opts.Name),
		baseBackoff:   baseBackoff,
		maxBackoff:    maxBackoff,
		dmChannels:    make(map[string]string),
		prompts:       make(map[string]promptMeta),
		done:          make(chan struct{}),
		events:        make(chan player.Event, 100),
	}
	if opts.Session != nil {
		t.sess = opts.Session
	}
	return t, nil
}

// Start verifies the account, registers gateway handlers and opens the
// connection. A rejected token is reported as player.ErrDeactivated.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return fmt.Errorf("discord: transport already closed")
	}
	if t.started {
		return nil
	}

	// Create real session if not injected (production path).
	if t.sess == nil {
		dg, err := discordgo.New(t.token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		t.sess = &realSession{s: dg}
	}

	me, err := t.sess.User("@me")
	if err != nil {
		if isUnauthorized(err) {
			return fmt.Errorf("discord: %s: %w", t.name, player.ErrDeactivated)
		}
		return fmt.Errorf("discord: identify %s: %w", t.name, err)
	}
	t.identity = player.Identity{ID: me.ID, Name: me.Username}

	t.removeHandlers = append(t.removeHandlers,
		t.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			t.mu.Lock()
			t.sessionID = r.SessionID
			t.mu.Unlock()
			t.logger.Info("discord: connected", "user", r.User.Username, "id", r.User.ID)
		}),
		t.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
			t.logger.Warn("discord: gateway disconnected, discordgo will auto-reconnect")
		}),
		t.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			t.handleMessage(m.Message, false)
		}),
		t.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			t.handleMessage(m.Message, true)
		}),
	)

	if err := t.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	t.started = true
	return nil
}

// Stop removes the gateway handlers, closes the connection and the event
// channel. Calling Stop more than once is safe.
func (t *Transport) Stop() error {
	t.doneOnce.Do(func() { close(t.done) })

	t.emitMu.Lock()
	if t.closed {
		t.emitMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.events)
	t.emitMu.Unlock()

	t.mu.Lock()
	handlers := t.removeHandlers
	t.removeHandlers = nil
	t.started = false
	t.mu.Unlock()
	for _, remove := range handlers {
		remove()
	}

	if t.sess != nil {
		return t.sess.Close()
	}
	return nil
}

// Identity returns the account the transport is logged in as.
func (t *Transport) Identity() player.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Events returns the decoded inbound event stream.
func (t *Transport) Events() <-chan player.Event { return t.events }

// SendText sends text to the direct message channel of user dest.
func (t *Transport) SendText(ctx context.Context, dest, text string) error {
	channelID, err := t.dmChannel(ctx, dest)
	if err != nil {
		return err
	}
	err = t.retryOnRateLimit(ctx, func() error {
		_, sendErr := t.sess.ChannelMessageSend(channelID, text)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Reply posts text to a channel.
func (t *Transport) Reply(ctx context.Context, chatID, text string) (player.MessageRef, error) {
	var msg *discordgo.Message
	err := t.retryOnRateLimit(ctx, func() error {
		var apiErr error
		msg, apiErr = t.sess.ChannelMessageSend(chatID, text)
		return apiErr
	})
	if err != nil {
		return player.MessageRef{}, fmt.Errorf("discord: reply: %w", err)
	}
	return player.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

// Delete removes a message posted by Reply.
func (t *Transport) Delete(ctx context.Context, ref player.MessageRef) error {
	err := t.retryOnRateLimit(ctx, func() error {
		return t.sess.ChannelMessageDelete(ref.ChatID, ref.MessageID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

type interactionRequest struct {
	Type          int             `json:"type"`
	ApplicationID string          `json:"application_id"`
	GuildID       string          `json:"guild_id,omitempty"`
	ChannelID     string          `json:"channel_id"`
	MessageID     string          `json:"message_id"`
	SessionID     string          `json:"session_id"`
	Data          interactionData `json:"data"`
}

type interactionData struct {
	ComponentType discordgo.ComponentType `json:"component_type"`
	CustomID      string                  `json:"custom_id"`
}

// Click presses the button at index on a prompt this transport decoded. The
// first button stands in for player.AckIndex.
func (t *Transport) Click(ctx context.Context, ref player.PromptRef, index int) error {
	t.mu.Lock()
	meta, ok := t.prompts[ref.MessageID]
	sessionID := t.sessionID
	t.mu.Unlock()
	if !ok || len(meta.customIDs) == 0 {
		return fmt.Errorf("discord: click %s: %w", ref.MessageID, player.ErrStalePrompt)
	}
	if index == player.AckIndex {
		index = 0
	}
	if index < 0 || index >= len(meta.customIDs) {
		return fmt.Errorf("discord: click %s: option %d out of range", ref.MessageID, index)
	}

	body := interactionRequest{
		Type:          interactionComponent,
		ApplicationID: meta.applicationID,
		GuildID:       ref.GuildID,
		ChannelID:     ref.ChatID,
		MessageID:     ref.MessageID,
		SessionID:     sessionID,
		Data: interactionData{
			ComponentType: discordgo.ButtonComponent,
			CustomID:      meta.customIDs[index],
		},
	}
	err := t.retryOnRateLimit(ctx, func() error {
		_, reqErr := t.sess.Request(http.MethodPost, discordgo.EndpointAPI+"interactions", body)
		return reqErr
	})
	if err != nil {
		if isUnknownMessage(err) {
			t.forgetPrompt(ref.MessageID)
			return fmt.Errorf("discord: click %s: %w", ref.MessageID, player.ErrStalePrompt)
		}
		return fmt.Errorf("discord: click %s: %w", ref.MessageID, err)
	}
	return nil
}

// dmChannel returns the direct message channel with userID, creating it on
// first use.
func (t *Transport) dmChannel(ctx context.Context, userID string) (string, error) {
	t.mu.Lock()
	id, ok := t.dmChannels[userID]
	t.mu.Unlock()
	if ok {
		return id, nil
	}

	var ch *discordgo.Channel
	err := t.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = t.sess.UserChannelCreate(userID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: open direct channel with %s: %w", userID, err)
	}
	t.mu.Lock()
	t.dmChannels[userID] = ch.ID
	t.mu.Unlock()
	return ch.ID, nil
}

// handleMessage decodes a gateway message and emits the resulting event.
func (t *Transport) handleMessage(m *discordgo.Message, edited bool) {
	if ev := t.decode(m, edited); ev != nil {
		t.emit(ev)
	}
}

func (t *Transport) emit(ev player.Event) {
	t.emitMu.RLock()
	defer t.emitMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) isClosed() bool {
	t.emitMu.RLock()
	defer t.emitMu.RUnlock()
	return t.closed
}

// decode turns a Discord message into a player event, or nil when the
// message is of no interest.
func (t *Transport) decode(m *discordgo.Message, edited bool) player.Event {
	if m == nil || m.Author == nil {
		return nil
	}
	t.mu.Lock()
	self := t.identity.ID
	t.mu.Unlock()
	if m.Author.ID == self {
		return nil
	}

	if m.GuildID == "" {
		if m.Author.ID == t.gameBot {
			return t.decodePrompt(m, edited)
		}
		if edited {
			return nil
		}
		if name, args, ok := player.ParseCommand(t.commandPrefix, m.Content); ok {
			return player.Command{
				Worker:   t.name,
				ChatID:   m.ChannelID,
				SenderID: m.Author.ID,
				Private:  true,
				Name:     name,
				Args:     args,
				Replier:  t,
			}
		}
		return nil
	}

	if edited {
		return nil
	}
	if name, args, ok := player.ParseCommand(t.commandPrefix, m.Content); ok {
		return player.Command{
			Worker:   t.name,
			ChatID:   m.ChannelID,
			SenderID: m.Author.ID,
			Name:     name,
			Args:     args,
			Replier:  t,
		}
	}
	if !t.chats[m.ChannelID] || m.Author.ID != t.gameBot {
		return nil
	}
	if token, ok := t.joinToken(m.Components); ok {
		return player.Announcement{
			Worker:   t.name,
			ChatID:   m.ChannelID,
			SenderID: m.Author.ID,
			Token:    token,
		}
	}
	n := player.Narrative{
		Worker:   t.name,
		ChatID:   m.ChannelID,
		SenderID: m.Author.ID,
		Text:     m.Content,
	}
	for _, u := range m.Mentions {
		if u != nil {
			n.Mentions = append(n.Mentions, player.Mention{UserID: u.ID, Direct: true})
		}
	}
	return n
}

// decodePrompt builds a TurnPrompt from a private game bot message. An edit
// that strips the buttons of a tracked prompt is reported as KeyboardRemoved.
func (t *Transport) decodePrompt(m *discordgo.Message, edited bool) player.Event {
	p := player.TurnPrompt{
		Worker: t.name,
		Ref:    player.PromptRef{ChatID: m.ChannelID, MessageID: m.ID},
		Text:   m.Content,
	}
	var customIDs []string
	for _, b := range rowButtons(m.Components) {
		if b.Style == discordgo.LinkButton || b.CustomID == "" {
			continue
		}
		p.Options = append(p.Options, player.Option{ID: b.CustomID, Text: b.Label})
		customIDs = append(customIDs, b.CustomID)
	}
	if len(p.Options) == 0 {
		if !edited {
			return p
		}
		if t.forgetPrompt(m.ID) {
			p.KeyboardRemoved = true
			return p
		}
		return nil
	}
	if edited && t.tracked(m.ID) {
		// Relabelled buttons of a prompt already answered or pending.
		t.trackPrompt(m.ID, promptMeta{applicationID: m.Author.ID, customIDs: customIDs})
		return nil
	}
	if sub := t.tokenPattern.FindStringSubmatch(p.Options[0].ID); len(sub) > 1 {
		p.Token = sub[1]
	}
	t.trackPrompt(m.ID, promptMeta{applicationID: m.Author.ID, customIDs: customIDs})
	return p
}

// joinToken extracts the token from a join link button: the URL text after
// the first '=' up to the next one.
func (t *Transport) joinToken(components []discordgo.MessageComponent) (string, bool) {
	buttons := rowButtons(components)
	if len(buttons) == 0 {
		return "", false
	}
	b := buttons[0]
	if b.Style != discordgo.LinkButton || b.Label != t.joinLabel {
		return "", false
	}
	parts := strings.Split(b.URL, "=")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (t *Transport) trackPrompt(id string, meta promptMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.prompts[id]; !ok {
		t.promptOrder = append(t.promptOrder, id)
	}
	t.prompts[id] = meta
	for len(t.promptOrder) > maxTrackedPrompts {
		delete(t.prompts, t.promptOrder[0])
		t.promptOrder = t.promptOrder[1:]
	}
}

func (t *Transport) tracked(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.prompts[id]
	return ok
}

// forgetPrompt reports whether id was tracked.
func (t *Transport) forgetPrompt(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.prompts[id]; !ok {
		return false
	}
	delete(t.prompts, id)
	for i, v := range t.promptOrder {
		if v == id {
			t.promptOrder = append(t.promptOrder[:i], t.promptOrder[i+1:]...)
			break
		}
	}
	return true
}

// rowButtons returns the first button of every action row, in order.
func rowButtons(components []discordgo.MessageComponent) []*discordgo.Button {
	var out []*discordgo.Button
	for _, c := range components {
		switch v := c.(type) {
		case *discordgo.ActionsRow:
			if b := firstButton(v.Components); b != nil {
				out = append(out, b)
			}
		case discordgo.ActionsRow:
			if b := firstButton(v.Components); b != nil {
				out = append(out, b)
			}
		case *discordgo.Button:
			out = append(out, v)
		case discordgo.Button:
			b := v
			out = append(out, &b)
		}
	}
	return out
}

func firstButton(components []discordgo.MessageComponent) *discordgo.Button {
	for _, c := range components {
		switch v := c.(type) {
		case *discordgo.Button:
			return v
		case discordgo.Button:
			b := v
			return &b
		}
	}
	return nil
}

func isUnauthorized(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	code := restErr.Response.StatusCode
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func isUnknownMessage(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMessage {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (t *Transport) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * t.baseBackoff
		if wait > t.maxBackoff {
			wait = t.maxBackoff
		}
		t.logger.Warn("discord: rate limited", "attempt", attempt+1, "max", maxRetries, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
