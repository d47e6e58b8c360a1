package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/wolfpack/internal/player"
)

// --- Mock Discord session ---

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	openErr     error
	user        *discordgo.User
	userErr     error
	sent        []sentMessage
	sendErr     error
	deleted     []string
	dmCreated   int
	requests    []request
	requestErrs []error
	handlers    []interface{}
	removeCount int
}

type sentMessage struct {
	channelID string
	content   string
}

type request struct {
	method string
	url    string
	data   interface{}
}

func newMockSession() *mockSession {
	return &mockSession{user: &discordgo.User{ID: "SELF", Username: "wolf1"}}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userErr != nil {
		return nil, m.userErr
	}
	return m.user, nil
}

func (m *mockSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dmCreated++
	return &discordgo.Channel{ID: "DM-" + recipientID}, nil
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", len(m.sent))}, nil
}

func (m *mockSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, channelID+"/"+messageID)
	return nil
}

func (m *mockSession) Request(method, urlStr string, data interface{}, options ...discordgo.RequestOption) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, request{method: method, url: urlStr, data: data})
	if len(m.requestErrs) > 0 {
		err := m.requestErrs[0]
		m.requestErrs = m.requestErrs[1:]
		return nil, err
	}
	return nil, nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

// --- Helpers ---

func newTestTransport(t *testing.T) (*Transport, *mockSession) {
	t.Helper()
	sess := newMockSession()
	tr, err := New(TransportOpts{
		Name:    "w1",
		GameBot: "GAMEBOT",
		Chats:   []string{"C_GAME"},
		Session: sess,
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.baseBackoff = time.Millisecond
	tr.maxBackoff = 10 * time.Millisecond
	return tr, sess
}

func nextEvent(t *testing.T, tr *Transport) player.Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func noEvent(t *testing.T, tr *Transport) {
	t.Helper()
	select {
	case ev := <-tr.Events():
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}

func menuRow(label, customID string) discordgo.MessageComponent {
	return &discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		&discordgo.Button{Label: label, Style: discordgo.PrimaryButton, CustomID: customID},
	}}
}

func promptMessage(id string, rows ...discordgo.MessageComponent) *discordgo.Message {
	return &discordgo.Message{
		ID:         id,
		ChannelID:  "DM_GAME",
		Content:    "你想處死誰？",
		Author:     &discordgo.User{ID: "GAMEBOT", Bot: true},
		Components: rows,
	}
}

// --- New / Start / Stop ---

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts TransportOpts
		want string
	}{
		{"no token", TransportOpts{Name: "w1", GameBot: "G"}, "token"},
		{"no name", TransportOpts{Token: "x", GameBot: "G"}, "worker name"},
		{"no game bot", TransportOpts{Token: "x", Name: "w1"}, "game bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestStart_Success(t *testing.T) {
	tr, sess := newTestTransport(t)
	if !sess.opened {
		t.Error("expected session to be opened")
	}
	if id := tr.Identity(); id.ID != "SELF" || id.Name != "wolf1" {
		t.Errorf("identity = %+v", id)
	}
	if len(sess.handlers) != 4 {
		t.Errorf("registered %d handlers, want 4", len(sess.handlers))
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Errorf("second start should be a no-op: %v", err)
	}
}

func TestStart_Deactivated(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		sess := newMockSession()
		sess.userErr = &discordgo.RESTError{Response: &http.Response{StatusCode: code}}
		tr, _ := New(TransportOpts{Name: "w1", GameBot: "G", Session: sess})

		err := tr.Start(context.Background())
		if !errors.Is(err, player.ErrDeactivated) {
			t.Errorf("status %d: error = %v, want ErrDeactivated", code, err)
		}
		if sess.opened {
			t.Errorf("status %d: gateway opened for a rejected account", code)
		}
	}
}

func TestStart_OtherErrors(t *testing.T) {
	sess := newMockSession()
	sess.userErr = errors.New("dial tcp: timeout")
	tr, _ := New(TransportOpts{Name: "w1", GameBot: "G", Session: sess})
	if err := tr.Start(context.Background()); err == nil || errors.Is(err, player.ErrDeactivated) {
		t.Errorf("error = %v, want a plain failure", err)
	}

	sess = newMockSession()
	sess.openErr = errors.New("gateway error")
	tr, _ = New(TransportOpts{Name: "w1", GameBot: "G", Session: sess})
	err := tr.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("error = %v, want open gateway error", err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	tr, sess := newTestTransport(t)
	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if !sess.closeCalled {
		t.Error("session not closed")
	}
	if sess.removeCount != 4 {
		t.Errorf("removed %d handlers, want 4", sess.removeCount)
	}
	if _, ok := <-tr.Events(); ok {
		t.Error("events channel should be closed")
	}
	// Late gateway callbacks must not panic.
	tr.handleMessage(promptMessage("m1", menuRow("Alice", "vote:abc:u1")), false)
	if err := tr.Start(context.Background()); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestReadyCapturesSessionID(t *testing.T) {
	tr, sess := newTestTransport(t)
	ready := sess.handlers[0].(func(*discordgo.Session, *discordgo.Ready))
	ready(nil, &discordgo.Ready{SessionID: "S-1", User: &discordgo.User{ID: "SELF", Username: "wolf1"}})

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.sessionID != "S-1" {
		t.Errorf("session id = %q", tr.sessionID)
	}
}

// --- Decoding ---

func TestDecode_TurnPrompt(t *testing.T) {
	tr, _ := newTestTransport(t)
	msg := promptMessage("m1",
		menuRow("Alice", "vote:abc123:u1"),
		menuRow("Bob", "vote:abc123:u2"),
		&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			&discordgo.Button{Label: "Carl", CustomID: "vote:abc123:u3"},
			&discordgo.Button{Label: "ignored", CustomID: "vote:abc123:u4"},
		}},
	)
	tr.handleMessage(msg, false)

	p, ok := nextEvent(t, tr).(player.TurnPrompt)
	if !ok {
		t.Fatal("expected TurnPrompt")
	}
	if p.Worker != "w1" || p.Token != "abc123" || p.Text != "你想處死誰？" {
		t.Errorf("prompt = %+v", p)
	}
	if p.Ref.ChatID != "DM_GAME" || p.Ref.MessageID != "m1" {
		t.Errorf("ref = %+v", p.Ref)
	}
	if len(p.Options) != 3 || p.Options[2].Text != "Carl" || p.Options[1].ID != "vote:abc123:u2" {
		t.Errorf("options = %+v", p.Options)
	}
}

func TestDecode_PlainPrivateNotice(t *testing.T) {
	tr, _ := newTestTransport(t)
	msg := promptMessage("m1")
	msg.Content = "你已加入 Alice 的遊戲中"
	tr.handleMessage(msg, false)

	p, ok := nextEvent(t, tr).(player.TurnPrompt)
	if !ok || len(p.Options) != 0 || p.Text != msg.Content {
		t.Fatalf("event = %#v", p)
	}
}

func TestDecode_KeyboardRemovedOnEdit(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.handleMessage(promptMessage("m1", menuRow("Alice", "vote:abc:u1")), false)
	nextEvent(t, tr)

	// Edits that keep the buttons are not new prompts.
	tr.handleMessage(promptMessage("m1", menuRow("Alice ✓", "vote:abc:u1")), true)
	noEvent(t, tr)

	tr.handleMessage(promptMessage("m1"), true)
	p, ok := nextEvent(t, tr).(player.TurnPrompt)
	if !ok || !p.KeyboardRemoved {
		t.Fatalf("event = %#v, want KeyboardRemoved prompt", p)
	}
	// A second strip of the same message is ignored.
	tr.handleMessage(promptMessage("m1"), true)
	noEvent(t, tr)
}

func TestDecode_Announcement(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.handleMessage(&discordgo.Message{
		ID:        "a1",
		ChannelID: "C_GAME",
		GuildID:   "G1",
		Content:   "新遊戲開始",
		Author:    &discordgo.User{ID: "GAMEBOT", Bot: true},
		Components: []discordgo.MessageComponent{&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			&discordgo.Button{Label: DefaultJoinLabel, Style: discordgo.LinkButton, URL: "https://game.example/join?start=abc123"},
		}}},
	}, false)

	a, ok := nextEvent(t, tr).(player.Announcement)
	if !ok {
		t.Fatal("expected Announcement")
	}
	if a.Token != "abc123" || a.ChatID != "C_GAME" || a.SenderID != "GAMEBOT" || a.Worker != "w1" {
		t.Errorf("announcement = %+v", a)
	}
}

func TestDecode_Narrative(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.handleMessage(&discordgo.Message{
		ID:        "n1",
		ChannelID: "C_GAME",
		GuildID:   "G1",
		Content:   "一聲槍聲",
		Author:    &discordgo.User{ID: "GAMEBOT", Bot: true},
		Mentions:  []*discordgo.User{{ID: "U1"}, nil, {ID: "U2"}},
	}, false)

	n, ok := nextEvent(t, tr).(player.Narrative)
	if !ok {
		t.Fatal("expected Narrative")
	}
	if len(n.Mentions) != 2 || n.Mentions[0] != (player.Mention{UserID: "U1", Direct: true}) {
		t.Errorf("mentions = %+v", n.Mentions)
	}
}

func TestDecode_Commands(t *testing.T) {
	tr, _ := newTestTransport(t)

	tr.handleMessage(&discordgo.Message{
		ID: "c1", ChannelID: "DM_OWNER", Content: "/target Bob",
		Author: &discordgo.User{ID: "OWNER"},
	}, false)
	cmd, ok := nextEvent(t, tr).(player.Command)
	if !ok || !cmd.Private || cmd.Name != "target" || cmd.Args[0] != "Bob" || cmd.SenderID != "OWNER" {
		t.Fatalf("private command = %#v", cmd)
	}
	if cmd.Replier == nil {
		t.Error("command should carry a replier")
	}

	tr.handleMessage(&discordgo.Message{
		ID: "c2", ChannelID: "C_GAME", GuildID: "G1", Content: "/setw 2",
		Author: &discordgo.User{ID: "U1"},
	}, false)
	cmd, ok = nextEvent(t, tr).(player.Command)
	if !ok || cmd.Private || cmd.Name != "setw" || cmd.ChatID != "C_GAME" {
		t.Fatalf("group command = %#v", cmd)
	}
}

func TestDecode_Ignored(t *testing.T) {
	tr, _ := newTestTransport(t)
	msgs := []*discordgo.Message{
		{ID: "1", ChannelID: "C_GAME", GuildID: "G1", Content: "hi", Author: nil},
		{ID: "2", ChannelID: "C_GAME", GuildID: "G1", Content: "hi", Author: &discordgo.User{ID: "SELF"}},
		{ID: "3", ChannelID: "C_GAME", GuildID: "G1", Content: "chatter", Author: &discordgo.User{ID: "U1"}},
		{ID: "4", ChannelID: "C_OTHER", GuildID: "G1", Content: "天亮了", Author: &discordgo.User{ID: "GAMEBOT"}},
		{ID: "5", ChannelID: "DM_X", Content: "hello", Author: &discordgo.User{ID: "U1"}},
	}
	for _, m := range msgs {
		tr.handleMessage(m, false)
	}
	tr.handleMessage(nil, false)
	noEvent(t, tr)
}

// --- Outbound ---

func TestSendText_OpensDirectChannelOnce(t *testing.T) {
	tr, sess := newTestTransport(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := tr.SendText(ctx, "GAMEBOT", "/start abc123"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
	}
	if sess.dmCreated != 1 {
		t.Errorf("direct channel created %d times, want 1", sess.dmCreated)
	}
	if len(sess.sent) != 2 || sess.sent[0] != (sentMessage{"DM-GAMEBOT", "/start abc123"}) {
		t.Errorf("sent = %+v", sess.sent)
	}
}

func TestSendText_Error(t *testing.T) {
	tr, sess := newTestTransport(t)
	sess.sendErr = errors.New("boom")
	if err := tr.SendText(context.Background(), "GAMEBOT", "hi"); err == nil {
		t.Fatal("expected error")
	}
}

func TestReplyAndDelete(t *testing.T) {
	tr, sess := newTestTransport(t)
	ref, err := tr.Reply(context.Background(), "C_GAME", "Started")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if ref.ChatID != "C_GAME" || ref.MessageID != "msg-1" {
		t.Errorf("ref = %+v", ref)
	}
	if err := tr.Delete(context.Background(), ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(sess.deleted) != 1 || sess.deleted[0] != "C_GAME/msg-1" {
		t.Errorf("deleted = %v", sess.deleted)
	}
}

// --- Click ---

func TestClick_PostsInteraction(t *testing.T) {
	tr, sess := newTestTransport(t)
	tr.handleMessage(promptMessage("m1", menuRow("Alice", "vote:abc:u1"), menuRow("Bob", "vote:abc:u2")), false)
	p := nextEvent(t, tr).(player.TurnPrompt)

	if err := tr.Click(context.Background(), p.Ref, 1); err != nil {
		t.Fatalf("Click: %v", err)
	}
	if err := tr.Click(context.Background(), p.Ref, player.AckIndex); err != nil {
		t.Fatalf("ack Click: %v", err)
	}
	if len(sess.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(sess.requests))
	}
	req := sess.requests[0]
	if req.method != http.MethodPost || !strings.HasSuffix(req.url, "/interactions") {
		t.Errorf("request = %s %s", req.method, req.url)
	}
	body := req.data.(interactionRequest)
	if body.Type != interactionComponent || body.Data.CustomID != "vote:abc:u2" || body.ApplicationID != "GAMEBOT" {
		t.Errorf("body = %+v", body)
	}
	if got := sess.requests[1].data.(interactionRequest).Data.CustomID; got != "vote:abc:u1" {
		t.Errorf("ack pressed %q, want the first button", got)
	}
}

func TestClick_Stale(t *testing.T) {
	tr, sess := newTestTransport(t)
	ref := player.PromptRef{ChatID: "DM_GAME", MessageID: "unknown"}
	if err := tr.Click(context.Background(), ref, 0); !errors.Is(err, player.ErrStalePrompt) {
		t.Errorf("untracked prompt: error = %v, want ErrStalePrompt", err)
	}

	tr.handleMessage(promptMessage("m1", menuRow("Alice", "vote:abc:u1")), false)
	p := nextEvent(t, tr).(player.TurnPrompt)
	sess.requestErrs = []error{&discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMessage},
	}}
	if err := tr.Click(context.Background(), p.Ref, 0); !errors.Is(err, player.ErrStalePrompt) {
		t.Errorf("unknown message: error = %v, want ErrStalePrompt", err)
	}
}

func TestClick_OutOfRange(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.handleMessage(promptMessage("m1", menuRow("Alice", "vote:abc:u1")), false)
	p := nextEvent(t, tr).(player.TurnPrompt)
	err := tr.Click(context.Background(), p.Ref, 5)
	if err == nil || errors.Is(err, player.ErrStalePrompt) {
		t.Errorf("error = %v, want range error", err)
	}
}

func TestClick_RetriesRateLimit(t *testing.T) {
	tr, sess := newTestTransport(t)
	tr.handleMessage(promptMessage("m1", menuRow("Alice", "vote:abc:u1")), false)
	p := nextEvent(t, tr).(player.TurnPrompt)
	sess.requestErrs = []error{&discordgo.RESTError{Response: &http.Response{StatusCode: 429}}}

	if err := tr.Click(context.Background(), p.Ref, 0); err != nil {
		t.Fatalf("Click: %v", err)
	}
	if len(sess.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(sess.requests))
	}
}

func TestTrackPrompt_Bounded(t *testing.T) {
	tr, _ := newTestTransport(t)
	for i := 0; i < maxTrackedPrompts+10; i++ {
		tr.trackPrompt(fmt.Sprintf("m%d", i), promptMeta{customIDs: []string{"x"}})
	}
	if len(tr.prompts) != maxTrackedPrompts {
		t.Errorf("tracked %d prompts, want %d", len(tr.prompts), maxTrackedPrompts)
	}
	if tr.tracked("m0") {
		t.Error("oldest prompt should be evicted")
	}
}

// --- retryOnRateLimit ---

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	tr, _ := newTestTransport(t)
	calls := 0
	err := tr.retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	tr, _ := newTestTransport(t)
	calls := 0
	err := tr.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.baseBackoff = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := tr.retryOnRateLimit(ctx, func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before context cancel, got %d", calls)
	}
}

// --- Verify Transport interface compliance ---

var _ player.Transport = (*Transport)(nil)
