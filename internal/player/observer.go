package player

import "log/slog"

// DefaultTriggers are the game narrations that reveal a participant who
// should not be voted for.
var DefaultTriggers = AnyOf("和事佬", "銀渣", "哼着", "回到家中哼起", "出示了來自官方", "捣蛋", "一聲槍聲")

// Observer builds each session's avoid list from game narration.
type Observer struct {
	triggers PhraseSet
	logger   *slog.Logger
}

// NewObserver creates an Observer. Empty triggers fall back to
// DefaultTriggers.
func NewObserver(triggers PhraseSet, logger *slog.Logger) *Observer {
	if len(triggers) == 0 {
		triggers = DefaultTriggers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{triggers: triggers, logger: logger}
}

// Observe adds every directly mentioned user of a triggering narration to
// the session's avoid list and returns how many ids were new.
func (o *Observer) Observe(sess *Session, n Narrative) int {
	if !o.triggers.Match(n.Text) {
		return 0
	}
	added := 0
	for _, m := range n.Mentions {
		if !m.Direct {
			continue
		}
		if sess.AddAvoid(m.UserID) {
			o.logger.Debug("added to avoid list", "chat", sess.ChatID(), "user", m.UserID)
			added++
		}
	}
	return added
}
