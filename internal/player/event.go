package player

import "strings"

// Event is an inbound chat event, already decoded by a Transport. The
// concrete types are Announcement, TurnPrompt, Narrative and Command.
type Event interface {
	// WorkerName is the worker whose connection received the event. Empty
	// for events that did not arrive through a worker (operator consoles).
	WorkerName() string

	isEvent()
}

// Option is one selectable entry of a prompt menu.
type Option struct {
	ID   string // opaque callback data; embeds the target participant's id
	Text string // label shown to the user
}

// Mention is a user reference embedded in a message.
type Mention struct {
	UserID string
	Direct bool // references the user directly rather than by handle text
}

// PromptRef identifies a prompt message for Click.
type PromptRef struct {
	ChatID    string
	MessageID string
	GuildID   string // platform grouping, empty for private chats
}

// Announcement is a new game announcement posted by the game bot in a
// monitored chat. Token is the opaque join token from the join button.
type Announcement struct {
	Worker   string
	ChatID   string
	SenderID string
	Token    string
}

// TurnPrompt is a private message from the game bot to a worker. Menu prompts
// carry Options; plain notices (join confirmations, role reveals) do not.
type TurnPrompt struct {
	Worker          string
	Ref             PromptRef
	Token           string // game token embedded in the option data, if any
	Text            string
	Options         []Option
	KeyboardRemoved bool // the message only removed a reply keyboard
}

// Narrative is a plain game message posted in a monitored chat.
type Narrative struct {
	Worker   string
	ChatID   string
	SenderID string
	Text     string
	Mentions []Mention
}

// Command is an operator command such as "/target bob".
type Command struct {
	Worker   string
	ChatID   string
	SenderID string
	Private  bool // sent in a private chat or an operator console
	Name     string
	Args     []string
	Replier  Replier
}

func (e Announcement) WorkerName() string { return e.Worker }
func (e TurnPrompt) WorkerName() string   { return e.Worker }
func (e Narrative) WorkerName() string    { return e.Worker }
func (e Command) WorkerName() string      { return e.Worker }

func (Announcement) isEvent() {}
func (TurnPrompt) isEvent()   {}
func (Narrative) isEvent()    {}
func (Command) isEvent()      {}

// ParseCommand splits "<prefix><name>[@bot] args..." into name and args.
// It reports false when text is not a command.
func ParseCommand(prefix, text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	name := fields[0]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// PhraseSet matches text against groups of substrings. A group matches when
// every substring in it occurs in the text; the set matches when any group
// does.
type PhraseSet [][]string

// AnyOf builds a PhraseSet where each phrase is its own group.
func AnyOf(phrases ...string) PhraseSet {
	set := make(PhraseSet, 0, len(phrases))
	for _, p := range phrases {
		set = append(set, []string{p})
	}
	return set
}

// Match reports whether text satisfies any group.
func (p PhraseSet) Match(text string) bool {
	if text == "" {
		return false
	}
	for _, group := range p {
		if len(group) == 0 {
			continue
		}
		matched := true
		for _, part := range group {
			if !strings.Contains(text, part) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
