package player

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultThinkMin and DefaultThinkMax bound the pause before answering
	// a prompt.
	DefaultThinkMin = 5 * time.Second
	DefaultThinkMax = 15 * time.Second

	// maxAvoidRetries bounds the redraws when a pick lands on an avoided
	// participant.
	maxAvoidRetries = 2
	// maxClickAttempts bounds clicks on a prompt reported as stale.
	maxClickAttempts = 3
)

// DefaultVotePrefixes start the game bot's elimination vote prompts.
var DefaultVotePrefixes = []string{"你想處死誰"}

// Rand is the source of the engine's random draws.
type Rand interface {
	// IntN returns a uniform integer in [0, n).
	IntN(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// DecisionPolicy holds the operator overrides applied to every decision.
type DecisionPolicy struct {
	Target     string // case-insensitive substring of the option to pick; empty for none
	ForceHuman bool   // always steer elimination votes away from the pool's own workers
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Rand         Rand // defaults to a seeded PCG source
	ThinkMin     time.Duration
	ThinkMax     time.Duration // zero disables the think delay
	VotePrefixes []string      // defaults to DefaultVotePrefixes
	Logger       *slog.Logger
}

// Engine picks one option for every menu prompt a worker receives.
//
// mu is the coordination lock: a whole decision, from reading the policy to
// the final click, runs while holding it, and policy changes wait for it.
type Engine struct {
	mu     sync.Mutex
	policy DecisionPolicy

	rand         Rand
	thinkMin     time.Duration
	thinkMax     time.Duration
	votePrefixes []string
	logger       *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) *Engine {
	r := opts.Rand
	if r == nil {
		r = newLockedRand()
	}
	prefixes := opts.VotePrefixes
	if len(prefixes) == 0 {
		prefixes = DefaultVotePrefixes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rand:         r,
		thinkMin:     opts.ThinkMin,
		thinkMax:     opts.ThinkMax,
		votePrefixes: prefixes,
		logger:       logger,
	}
}

// Policy returns the current overrides.
func (e *Engine) Policy() DecisionPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// SetTarget sets the override target substring.
func (e *Engine) SetTarget(target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.Target = target
}

// ClearTarget removes the override target.
func (e *Engine) ClearTarget() {
	e.SetTarget("")
}

// ToggleForceHuman flips force-human mode and returns the new value.
func (e *Engine) ToggleForceHuman() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.ForceHuman = !e.policy.ForceHuman
	return e.policy.ForceHuman
}

// ResetPolicy clears every override. Called when a new game is joined.
func (e *Engine) ResetPolicy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = DecisionPolicy{}
}

// Handle answers a menu prompt on behalf of w: it waits a random think
// delay, then decides and clicks under the coordination lock. sess supplies
// the avoid list and may be nil when the prompt's game is not yet resolvable.
// It returns the clicked index, or -1 when nothing was clicked.
func (e *Engine) Handle(ctx context.Context, w *Worker, p TurnPrompt, sess *Session, botIDs []string) int {
	if p.KeyboardRemoved || len(p.Options) == 0 {
		return -1
	}
	if d := e.thinkDelay(); d > 0 {
		select {
		case <-ctx.Done():
			return -1
		case <-time.After(d):
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var avoid []string
	if sess != nil {
		avoid = sess.AvoidList()
	}
	f := e.flags(p, botIDs)
	e.logger.Debug("decision status", "worker", w.Name(),
		"force_human", f.forceHuman, "has_target", f.hasTarget, "options", len(p.Options))

	if len(p.Options) < 2 && e.rand.IntN(4) == 0 {
		e.click(ctx, w, p.Ref, AckIndex)
	}

	choice := e.choose(p, avoid, f)
	e.logger.Debug("final choice", "worker", w.Name(), "index", choice, "option", p.Options[choice].ID)
	if !e.click(ctx, w, p.Ref, choice) {
		return -1
	}
	return choice
}

// Decide runs the selection policy without clicking and returns the index
// that would be chosen. p must have at least one option.
func (e *Engine) Decide(p TurnPrompt, avoid, botIDs []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.choose(p, avoid, e.flags(p, botIDs))
}

type decisionFlags struct {
	nonBot     []int
	forceHuman bool
	hasTarget  bool
	target     string
}

// flags computes the per-prompt inputs of the selection loop. Callers hold
// e.mu. The random draws happen in a fixed order: one in ten, then one in
// seven for short menus, both skipped when force-human mode is on.
func (e *Engine) flags(p TurnPrompt, botIDs []string) decisionFlags {
	var f decisionFlags
	for i, opt := range p.Options {
		if !containsAny(opt.ID, botIDs) {
			f.nonBot = append(f.nonBot, i)
		}
	}
	f.forceHuman = e.policy.ForceHuman ||
		e.rand.IntN(10) == 0 ||
		(len(p.Options) < 4 && e.rand.IntN(7) == 0)
	f.hasTarget = !e.policy.ForceHuman && e.policy.Target != ""
	f.target = strings.ToLower(e.policy.Target)
	return f
}

// choose draws a choice until it avoids the avoid list or the retry budget
// is spent. An override target, when found, always wins and is never
// rejected. Callers hold e.mu.
func (e *Engine) choose(p TurnPrompt, avoid []string, f decisionFlags) int {
	n := len(p.Options)
	redirect := f.forceHuman && len(f.nonBot) > 0 && e.isVotePrompt(p.Text)

	generate := func() int {
		choice := e.rand.IntN(n)
		if redirect {
			choice = f.nonBot[e.rand.IntN(len(f.nonBot))]
		}
		if f.hasTarget {
			for i, opt := range p.Options {
				if strings.Contains(strings.ToLower(opt.Text), f.target) {
					choice = i
					break
				}
			}
		}
		return choice
	}
	reject := func(choice int) bool {
		if f.hasTarget || !containsAny(p.Options[choice].ID, avoid) {
			return false
		}
		e.logger.Debug("choice hits avoid list, drawing again", "index", choice)
		return true
	}
	return retry(maxAvoidRetries, reject, generate)
}

func (e *Engine) isVotePrompt(text string) bool {
	for _, prefix := range e.votePrefixes {
		if prefix != "" && strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

// click presses index, retrying while the transport reports the prompt as
// stale. Failures are logged and never returned.
func (e *Engine) click(ctx context.Context, w *Worker, ref PromptRef, index int) bool {
	for attempt := 1; attempt <= maxClickAttempts; attempt++ {
		err := w.Click(ctx, ref, index)
		if err == nil {
			return true
		}
		if !errors.Is(err, ErrStalePrompt) {
			e.logger.Warn("click failed", "worker", w.Name(), "index", index, "err", err)
			return false
		}
		e.logger.Warn("prompt reported stale", "worker", w.Name(), "attempt", attempt)
	}
	return false
}

// thinkDelay draws a whole number of seconds in [thinkMin, thinkMax].
func (e *Engine) thinkDelay() time.Duration {
	if e.thinkMax <= 0 {
		return 0
	}
	span := int((e.thinkMax - e.thinkMin) / time.Second)
	if span <= 0 {
		return e.thinkMin
	}
	return e.thinkMin + time.Duration(e.rand.IntN(span+1))*time.Second
}

// retry calls generate, and again while reject holds, at most maxRetries
// extra times. It returns the last value generated.
func retry[T any](maxRetries int, reject func(T) bool, generate func() T) T {
	v := generate()
	for i := 0; i < maxRetries && reject(v); i++ {
		v = generate()
	}
	return v
}

// containsAny reports whether s contains any non-empty element of subs.
func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
