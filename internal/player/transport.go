// Package player runs a pool of worker identities that join social-deduction
// games announced in monitored chats and answer the game bot's menus.
package player

import (
	"context"
	"errors"
)

// AckIndex asks a transport to press a prompt's default button. It is used to
// advance past single-choice prompts.
const AckIndex = -1

var (
	// ErrStalePrompt is returned by Click when the referenced prompt was
	// deleted or edited away.
	ErrStalePrompt = errors.New("player: prompt no longer exists")

	// ErrDeactivated is returned by Start when the identity was banned or
	// disabled by the platform.
	ErrDeactivated = errors.New("player: worker identity deactivated")

	// ErrWorkerCountRange is returned when a requested worker count falls
	// outside [1, live workers].
	ErrWorkerCountRange = errors.New("player: worker count out of range")
)

// ConfigurationError reports a startup problem the process cannot recover
// from, such as an unregistered chat or an empty worker pool.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "player: configuration: " + e.Reason
}

// Identity is the platform identity a worker authenticated as.
type Identity struct {
	ID   string
	Name string
}

// MessageRef points at a message the process posted, so it can be deleted.
type MessageRef struct {
	ChatID    string
	MessageID string
}

// Replier posts and removes operator-facing replies.
type Replier interface {
	// Reply posts text to chatID and returns a reference to the new message.
	Reply(ctx context.Context, chatID, text string) (MessageRef, error)

	// Delete removes a message previously returned by Reply.
	Delete(ctx context.Context, ref MessageRef) error
}

// Transport is the chat platform connection of a single worker identity.
// Implementations decode platform payloads into Event values before they
// reach this package.
type Transport interface {
	Replier

	// Start authenticates and connects. It returns ErrDeactivated (possibly
	// wrapped) when the identity can no longer log in.
	Start(ctx context.Context) error

	// Stop disconnects. The Events channel is closed afterwards.
	Stop() error

	// Identity returns who the transport is logged in as. Valid after Start.
	Identity() Identity

	// Events returns the decoded inbound event stream. Valid after Start.
	Events() <-chan Event

	// SendText sends a plain text message to dest (a user or chat id).
	SendText(ctx context.Context, dest, text string) error

	// Click presses the option at index on the referenced prompt, or the
	// default button when index is AckIndex. It returns ErrStalePrompt
	// (possibly wrapped) when the prompt no longer exists.
	Click(ctx context.Context, ref PromptRef, index int) error
}

// KeyValueStore persists small values across restarts. It holds the last
// joined token of every chat.
type KeyValueStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// JoinRecorder keeps a history of join cycles. Optional.
type JoinRecorder interface {
	RecordJoin(ctx context.Context, chatID, token string, workers int) error
}

// StoreKey builds the key-value store key holding chatID's last token.
func StoreKey(prefix, chatID string) string {
	return prefix + ":" + chatID
}
