package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Result tells the Router whether to offer an event to the next handler.
type Result int

const (
	PassThrough Result = iota
	Handled
)

// HandlerFunc is one link of the Router's handler chain.
type HandlerFunc func(ctx context.Context, ev Event) Result

// Router routes decoded events through an ordered handler chain:
//  1. operator commands
//  2. narration in monitored chats (avoid list, passes through)
//  3. game announcements (join cycle)
//  4. private prompts (decision engine)
//
// Events from monitored chats are acted upon only when the pool's primary
// worker received them, since every worker in the chat sees the same
// message.
type Router struct {
	pool     *Pool
	registry *Registry
	engine   *Engine
	observer *Observer
	cycle    *JoinCycle
	commands *CommandHandler
	gameBot  string
	logger   *slog.Logger
	handlers []HandlerFunc

	wg sync.WaitGroup // in-flight join cycles and decisions
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Pool     *Pool
	Registry *Registry
	Engine   *Engine
	Observer *Observer
	Cycle    *JoinCycle
	Commands *CommandHandler
	GameBot  string // user id of the game bot
	Logger   *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("player: router: pool is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("player: router: registry is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("player: router: engine is required")
	}
	if opts.Cycle == nil {
		return nil, fmt.Errorf("player: router: join cycle is required")
	}
	if opts.Commands == nil {
		return nil, fmt.Errorf("player: router: command handler is required")
	}
	if opts.GameBot == "" {
		return nil, fmt.Errorf("player: router: game bot id is required")
	}
	observer := opts.Observer
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = NewObserver(nil, logger)
	}
	r := &Router{
		pool:     opts.Pool,
		registry: opts.Registry,
		engine:   opts.Engine,
		observer: observer,
		cycle:    opts.Cycle,
		commands: opts.Commands,
		gameBot:  opts.GameBot,
		logger:   logger,
	}
	r.handlers = []HandlerFunc{
		r.handleCommand,
		r.handleNarrative,
		r.handleAnnouncement,
		r.handlePrompt,
	}
	return r, nil
}

// Handle offers ev to each handler in turn until one reports Handled.
func (r *Router) Handle(ctx context.Context, ev Event) {
	for _, h := range r.handlers {
		if h(ctx, ev) == Handled {
			return
		}
	}
}

// Wait blocks until every join cycle and decision started by Handle returns.
func (r *Router) Wait() {
	r.wg.Wait()
}

// fromPrimary reports whether an event about a shared chat should be acted
// upon. Events that did not come through a worker always are.
func (r *Router) fromPrimary(worker string) bool {
	if worker == "" {
		return true
	}
	p := r.pool.Primary()
	return p != nil && p.Name() == worker
}

func (r *Router) handleCommand(ctx context.Context, ev Event) Result {
	cmd, ok := ev.(Command)
	if !ok {
		return PassThrough
	}
	if !cmd.Private && !r.fromPrimary(cmd.Worker) {
		return Handled
	}
	if cmd.Private && cmd.Worker != "" && !r.fromPrimary(cmd.Worker) {
		return Handled
	}
	r.logger.Debug("command", "name", cmd.Name, "chat", cmd.ChatID, "sender", cmd.SenderID)
	return r.commands.Execute(ctx, cmd)
}

func (r *Router) handleNarrative(ctx context.Context, ev Event) Result {
	n, ok := ev.(Narrative)
	if !ok || n.SenderID != r.gameBot || !r.fromPrimary(n.Worker) {
		return PassThrough
	}
	sess, err := r.registry.Resolve(n.ChatID)
	if err != nil {
		return PassThrough
	}
	r.observer.Observe(sess, n)
	return PassThrough
}

func (r *Router) handleAnnouncement(ctx context.Context, ev Event) Result {
	a, ok := ev.(Announcement)
	if !ok {
		return PassThrough
	}
	if a.SenderID != r.gameBot || !r.fromPrimary(a.Worker) || !r.registry.Has(a.ChatID) {
		return Handled
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.cycle.Run(ctx, a.ChatID, a.Token); err != nil {
			r.logger.Error("join cycle", "chat", a.ChatID, "token", a.Token, "err", err)
		}
	}()
	return Handled
}

func (r *Router) handlePrompt(ctx context.Context, ev Event) Result {
	p, ok := ev.(TurnPrompt)
	if !ok {
		return PassThrough
	}
	if p.Text != "" {
		r.logger.Info("prompt", "worker", p.Worker, "text", p.Text)
	}
	if p.KeyboardRemoved || len(p.Options) == 0 {
		return PassThrough
	}
	w, ok := r.pool.Lookup(p.Worker)
	if !ok {
		return Handled
	}
	sess := r.sessionFor(p)
	botIDs := r.pool.BotIDs()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.engine.Handle(ctx, w, p, sess, botIDs)
	}()
	return Handled
}

// sessionFor finds the session a prompt belongs to: by its embedded token,
// or the only registered session when there is just one.
func (r *Router) sessionFor(p TurnPrompt) *Session {
	if chatID, ok := r.registry.ResolveToken(p.Token); ok {
		if sess, err := r.registry.Resolve(chatID); err == nil {
			return sess
		}
	}
	sessions := r.registry.Sessions()
	if len(sessions) == 1 {
		return sessions[0]
	}
	r.logger.Debug("prompt session not resolvable yet", "worker", p.Worker, "token", p.Token)
	return nil
}
