package player

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// SentText is a message recorded by MockTransport.SendText.
type SentText struct {
	Dest string
	Text string
}

// ClickRecord is a click recorded by MockTransport.Click.
type ClickRecord struct {
	Ref   PromptRef
	Index int
}

// MockTransport implements Transport for testing. It records outbound traffic
// and lets tests inject inbound events via Emit.
type MockTransport struct {
	mu        sync.Mutex
	identity  Identity
	startErr  error
	clickErrs []error
	started   bool
	closed    bool
	events    chan Event
	sent      []SentText
	clicks    []ClickRecord
	replies   []SentText
	deleted   []MessageRef
	replySeq  int
}

// NewMockTransport creates a MockTransport logged in as id.
func NewMockTransport(id, name string) *MockTransport {
	return &MockTransport{
		identity: Identity{ID: id, Name: name},
		events:   make(chan Event, 100),
	}
}

// Start marks the transport as started, or returns the configured error.
func (m *MockTransport) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	if m.closed {
		return fmt.Errorf("mock transport: already closed")
	}
	m.started = true
	return nil
}

// Stop closes the event channel.
func (m *MockTransport) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.started = false
	close(m.events)
	return nil
}

// Identity returns the configured identity.
func (m *MockTransport) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Events returns the inbound event channel.
func (m *MockTransport) Events() <-chan Event { return m.events }

// SendText records the message.
func (m *MockTransport) SendText(ctx context.Context, dest, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentText{Dest: dest, Text: text})
	return nil
}

// Click records the click, then pops the next queued click error if any.
func (m *MockTransport) Click(ctx context.Context, ref PromptRef, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clicks = append(m.clicks, ClickRecord{Ref: ref, Index: index})
	if len(m.clickErrs) > 0 {
		err := m.clickErrs[0]
		m.clickErrs = m.clickErrs[1:]
		return err
	}
	return nil
}

// Reply records the reply and returns a sequential message id.
func (m *MockTransport) Reply(ctx context.Context, chatID, text string) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replySeq++
	m.replies = append(m.replies, SentText{Dest: chatID, Text: text})
	return MessageRef{ChatID: chatID, MessageID: "reply-" + strconv.Itoa(m.replySeq)}, nil
}

// Delete records the deletion.
func (m *MockTransport) Delete(ctx context.Context, ref MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ref)
	return nil
}

// --- Test helpers ---

// SetStartErr makes Start fail with err.
func (m *MockTransport) SetStartErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// QueueClickErrs makes the next clicks fail with errs, in order. A nil entry
// lets that click succeed.
func (m *MockTransport) QueueClickErrs(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clickErrs = append(m.clickErrs, errs...)
}

// Emit pushes ev into the inbound channel as if it came from the platform.
func (m *MockTransport) Emit(ev Event) {
	m.events <- ev
}

// Sent returns a copy of all texts sent.
func (m *MockTransport) Sent() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentText, len(m.sent))
	copy(out, m.sent)
	return out
}

// Clicks returns a copy of all clicks.
func (m *MockTransport) Clicks() []ClickRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClickRecord, len(m.clicks))
	copy(out, m.clicks)
	return out
}

// Replies returns a copy of all replies.
func (m *MockTransport) Replies() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentText, len(m.replies))
	copy(out, m.replies)
	return out
}

// Deleted returns a copy of all deleted message refs.
func (m *MockTransport) Deleted() []MessageRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MessageRef, len(m.deleted))
	copy(out, m.deleted)
	return out
}
