package player

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultReplyTTL is how long transient replies stay visible.
const DefaultReplyTTL = 5 * time.Second

// rejectInput is the transient reply to malformed worker counts.
const rejectInput = "Please check your input"

// CommandHandler executes operator commands. Owner commands (target, resend,
// debug, status) are accepted only from a configured owner in a private
// chat; chat commands (off, setw) only in a registered chat.
type CommandHandler struct {
	owners   map[string]bool
	registry *Registry
	engine   *Engine
	pool     *Pool
	cycle    *JoinCycle
	level    *slog.LevelVar
	replyTTL time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup // pending transient reply deletions
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Owners   []string
	Registry *Registry
	Engine   *Engine
	Pool     *Pool
	Cycle    *JoinCycle
	Level    *slog.LevelVar // toggled by "debug"; optional
	ReplyTTL time.Duration  // defaults to DefaultReplyTTL
	Logger   *slog.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("player: command handler: registry is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("player: command handler: engine is required")
	}
	owners := make(map[string]bool, len(opts.Owners))
	for _, o := range opts.Owners {
		if o != "" {
			owners[o] = true
		}
	}
	ttl := opts.ReplyTTL
	if ttl <= 0 {
		ttl = DefaultReplyTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		owners:   owners,
		registry: opts.Registry,
		engine:   opts.Engine,
		pool:     opts.Pool,
		cycle:    opts.Cycle,
		level:    opts.Level,
		replyTTL: ttl,
		logger:   logger,
	}, nil
}

// Execute runs cmd if it is an operator command this handler accepts.
func (h *CommandHandler) Execute(ctx context.Context, cmd Command) Result {
	if cmd.Private && h.owners[cmd.SenderID] {
		switch cmd.Name {
		case "target":
			h.cmdTarget(ctx, cmd)
			return Handled
		case "resend":
			h.cmdResend(ctx, cmd)
			return Handled
		case "debug":
			h.cmdDebug(ctx, cmd)
			return Handled
		case "status":
			h.reply(ctx, cmd, h.statusText())
			return Handled
		}
	}
	if !cmd.Private && h.registry.Has(cmd.ChatID) {
		switch cmd.Name {
		case "off":
			h.cmdToggleJoin(ctx, cmd)
			return Handled
		case "setw":
			h.cmdSetWorkers(ctx, cmd)
			return Handled
		}
	}
	return PassThrough
}

// Wait blocks until every scheduled transient reply deletion has run.
func (h *CommandHandler) Wait() {
	h.wg.Wait()
}

func (h *CommandHandler) cmdTarget(ctx context.Context, cmd Command) {
	switch {
	case len(cmd.Args) == 0:
		h.engine.ClearTarget()
		h.reply(ctx, cmd, "Target cleared")
	case cmd.Args[0] == "h":
		on := h.engine.ToggleForceHuman()
		h.reply(ctx, cmd, fmt.Sprintf("Set force target human to %t", on))
	default:
		h.engine.SetTarget(cmd.Args[0])
		h.reply(ctx, cmd, "Target set to: "+cmd.Args[0])
	}
}

func (h *CommandHandler) cmdResend(ctx context.Context, cmd Command) {
	if len(cmd.Args) == 0 {
		h.reply(ctx, cmd, "Usage: resend <worker> [chat]")
		return
	}
	if h.pool == nil || h.cycle == nil {
		h.reply(ctx, cmd, "Resend is not available")
		return
	}
	w, ok := h.pool.Lookup(cmd.Args[0])
	if !ok {
		h.reply(ctx, cmd, fmt.Sprintf("Unknown worker: %s", cmd.Args[0]))
		return
	}
	chatID, problem := h.pickChat(cmd.Args[1:])
	if problem != "" {
		h.reply(ctx, cmd, problem)
		return
	}
	token, err := h.cycle.Resend(ctx, w, chatID)
	if err != nil {
		h.logger.Warn("resend", "worker", w.Name(), "chat", chatID, "err", err)
		h.reply(ctx, cmd, fmt.Sprintf("Resend failed: %v", err))
		return
	}
	h.reply(ctx, cmd, fmt.Sprintf("Resent %s to %s", token, w.Name()))
}

// pickChat returns the chat named in args, or the only registered chat. A
// non-empty second result explains why no chat could be picked.
func (h *CommandHandler) pickChat(args []string) (string, string) {
	if len(args) > 0 {
		if !h.registry.Has(args[0]) {
			return "", "Unknown chat: " + args[0]
		}
		return args[0], ""
	}
	sessions := h.registry.Sessions()
	if len(sessions) != 1 {
		return "", "Several chats are registered, name one"
	}
	return sessions[0].ChatID(), ""
}

func (h *CommandHandler) cmdDebug(ctx context.Context, cmd Command) {
	if h.level == nil {
		h.reply(ctx, cmd, "Log level is fixed")
		return
	}
	if h.level.Level() == slog.LevelDebug {
		h.level.Set(slog.LevelInfo)
		h.reply(ctx, cmd, "Set level to INFO")
		return
	}
	h.level.Set(slog.LevelDebug)
	h.reply(ctx, cmd, "Set level to DEBUG")
}

func (h *CommandHandler) cmdToggleJoin(ctx context.Context, cmd Command) {
	sess, err := h.registry.Resolve(cmd.ChatID)
	if err != nil {
		return
	}
	if sess.ToggleEnabled() {
		h.transientReply(ctx, cmd, "Started")
	} else {
		h.transientReply(ctx, cmd, "Stopped")
	}
}

func (h *CommandHandler) cmdSetWorkers(ctx context.Context, cmd Command) {
	sess, err := h.registry.Resolve(cmd.ChatID)
	if err != nil {
		return
	}
	if len(cmd.Args) == 0 {
		h.transientReply(ctx, cmd, rejectInput)
		return
	}
	if cmd.Args[0] == "default" {
		n := sess.ResetWorkerCount()
		h.transientReply(ctx, cmd, fmt.Sprintf("Workers set to %d", n))
		return
	}
	n, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		h.transientReply(ctx, cmd, rejectInput)
		return
	}
	if err := sess.SetWorkerCount(n); err != nil {
		h.logger.Debug("reject worker count", "chat", cmd.ChatID, "err", err)
		h.transientReply(ctx, cmd, rejectInput)
		return
	}
	h.transientReply(ctx, cmd, fmt.Sprintf("Workers set to %d", n))
}

func (h *CommandHandler) statusText() string {
	var b strings.Builder
	policy := h.engine.Policy()
	target := policy.Target
	if target == "" {
		target = "-"
	}
	fmt.Fprintf(&b, "Target: %s | Force human: %t\n", target, policy.ForceHuman)
	if h.pool != nil {
		var names []string
		for _, w := range h.pool.Active() {
			names = append(names, w.Name())
		}
		fmt.Fprintf(&b, "Workers: %d live (%s)\n", len(names), strings.Join(names, ", "))
	}
	for _, sess := range h.registry.Sessions() {
		snap := sess.Snapshot()
		token := snap.JoinToken
		if token == "" {
			token = "-"
		}
		fmt.Fprintf(&b, "Chat %s: auto-join %t, workers %d/%d, avoid %d, game %s\n",
			snap.ChatID, snap.Enabled, snap.WorkerCount, snap.MaxWorkers, len(snap.Avoid), token)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *CommandHandler) reply(ctx context.Context, cmd Command, text string) {
	if cmd.Replier == nil {
		h.logger.Info("command reply", "command", cmd.Name, "text", text)
		return
	}
	if _, err := cmd.Replier.Reply(ctx, cmd.ChatID, text); err != nil {
		h.logger.Warn("send command reply", "command", cmd.Name, "err", err)
	}
}

// transientReply posts text and deletes it after the reply TTL.
func (h *CommandHandler) transientReply(ctx context.Context, cmd Command, text string) {
	if cmd.Replier == nil {
		h.logger.Info("command reply", "command", cmd.Name, "text", text)
		return
	}
	ref, err := cmd.Replier.Reply(ctx, cmd.ChatID, text)
	if err != nil {
		h.logger.Warn("send command reply", "command", cmd.Name, "err", err)
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(h.replyTTL):
		}
		delCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cmd.Replier.Delete(delCtx, ref); err != nil {
			h.logger.Warn("delete transient reply", "command", cmd.Name, "err", err)
		}
	}()
}
