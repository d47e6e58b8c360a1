package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultJoinAttempts is how many announce-intent messages a worker sends.
	DefaultJoinAttempts = 3
	// DefaultJoinInterval separates consecutive announce-intent messages.
	DefaultJoinInterval = 10 * time.Second
)

// DefaultJoinSignals are the game bot's private replies that end a join
// handshake: a fresh seat, or a seat the worker already holds.
var DefaultJoinSignals = PhraseSet{{"你已加入", "的遊戲中"}, {"你已經在遊戲中"}}

// JoinState is the lifecycle state of a JoinCoordinator.
type JoinState int

const (
	JoinIdle JoinState = iota
	JoinRunning
	JoinCompleted
	JoinCancelled
)

func (s JoinState) String() string {
	switch s {
	case JoinIdle:
		return "idle"
	case JoinRunning:
		return "running"
	case JoinCompleted:
		return "completed"
	case JoinCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("JoinState(%d)", int(s))
	}
}

// JoinOpts configures a JoinCoordinator.
type JoinOpts struct {
	Endpoint string        // game bot the intent is addressed to
	Token    string        // game join token
	Attempts int           // defaults to DefaultJoinAttempts
	Interval time.Duration // defaults to DefaultJoinInterval
	Signals  PhraseSet     // defaults to DefaultJoinSignals
	Logger   *slog.Logger
}

// JoinCoordinator drives one worker's join handshake for one game: it sends
// "/start <token>" to the game bot up to Attempts times, Interval apart, and
// stops early when the worker receives a confirmation.
type JoinCoordinator struct {
	worker   *Worker
	endpoint string
	token    string
	attempts int
	interval time.Duration
	signals  PhraseSet
	logger   *slog.Logger

	mu          sync.Mutex
	state       JoinState
	sent        int
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// NewJoinCoordinator creates an idle coordinator for w.
func NewJoinCoordinator(w *Worker, opts JoinOpts) *JoinCoordinator {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultJoinAttempts
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultJoinInterval
	}
	signals := opts.Signals
	if len(signals) == 0 {
		signals = DefaultJoinSignals
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JoinCoordinator{
		worker:   w,
		endpoint: opts.Endpoint,
		token:    opts.Token,
		attempts: attempts,
		interval: interval,
		signals:  signals,
		logger:   logger.With("worker", w.Name(), "token", opts.Token),
		done:     make(chan struct{}),
	}
}

// Start moves the coordinator from idle to running and begins sending in a
// background goroutine.
func (jc *JoinCoordinator) Start(ctx context.Context) error {
	jc.mu.Lock()
	if jc.state != JoinIdle {
		state := jc.state
		jc.mu.Unlock()
		return fmt.Errorf("player: join coordinator already %s", state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	jc.cancel = cancel
	jc.state = JoinRunning
	jc.unsubscribe = jc.worker.Subscribe(jc.observe)
	jc.mu.Unlock()

	jc.logger.Debug("join started")
	go jc.run(runCtx)
	return nil
}

func (jc *JoinCoordinator) run(ctx context.Context) {
	defer close(jc.done)
	text := "/start " + jc.token
	for i := 0; i < jc.attempts; i++ {
		if ctx.Err() != nil {
			jc.finish(JoinCancelled)
			return
		}
		if err := jc.worker.SendText(ctx, jc.endpoint, text); err != nil && ctx.Err() == nil {
			jc.logger.Warn("send join intent", "attempt", i+1, "err", err)
		}
		jc.mu.Lock()
		jc.sent++
		jc.mu.Unlock()

		select {
		case <-ctx.Done():
			jc.finish(JoinCancelled)
			return
		case <-time.After(jc.interval):
		}
	}
	jc.finish(JoinCompleted)
}

// observe is the transient listener on the worker's own events.
func (jc *JoinCoordinator) observe(ev Event) {
	tp, ok := ev.(TurnPrompt)
	if !ok {
		return
	}
	if jc.signals.Match(tp.Text) {
		jc.Cancel()
	}
}

// Cancel abandons pending retries and removes the listener. Cancelling a
// finished coordinator is a no-op.
func (jc *JoinCoordinator) Cancel() {
	jc.mu.Lock()
	switch jc.state {
	case JoinIdle:
		jc.state = JoinCancelled
		jc.mu.Unlock()
		close(jc.done)
		return
	case JoinRunning:
	default:
		jc.mu.Unlock()
		return
	}
	jc.mu.Unlock()
	jc.logger.Debug("join cancelled")
	jc.finish(JoinCancelled)
}

// finish moves a running coordinator to a terminal state.
func (jc *JoinCoordinator) finish(state JoinState) {
	jc.mu.Lock()
	if jc.state != JoinRunning {
		jc.mu.Unlock()
		return
	}
	jc.state = state
	cancel := jc.cancel
	unsubscribe := jc.unsubscribe
	jc.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the coordinator reaches a terminal state.
func (jc *JoinCoordinator) Wait() {
	<-jc.done
}

// State returns the current lifecycle state.
func (jc *JoinCoordinator) State() JoinState {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.state
}

// Sent returns how many announce-intent messages were sent.
func (jc *JoinCoordinator) Sent() int {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.sent
}

// JoinCycle commits a session's workers to a newly announced game.
type JoinCycle struct {
	registry  *Registry
	pool      *Pool
	engine    *Engine
	store     KeyValueStore
	recorder  JoinRecorder
	endpoint  string
	keyPrefix string
	attempts  int
	interval  time.Duration
	signals   PhraseSet
	logger    *slog.Logger
}

// JoinCycleOpts holds parameters for creating a JoinCycle.
type JoinCycleOpts struct {
	Registry  *Registry
	Pool      *Pool
	Engine    *Engine       // optional; its policy is reset on every new game
	Store     KeyValueStore // optional; persists the last token per chat
	Recorder  JoinRecorder  // optional
	Endpoint  string        // game bot id
	KeyPrefix string
	Attempts  int
	Interval  time.Duration
	Signals   PhraseSet // defaults to DefaultJoinSignals
	Logger    *slog.Logger
}

// NewJoinCycle creates a JoinCycle.
func NewJoinCycle(opts JoinCycleOpts) (*JoinCycle, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("player: join cycle: registry is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("player: join cycle: pool is required")
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("player: join cycle: endpoint is required")
	}
	signals := opts.Signals
	if len(signals) == 0 {
		signals = DefaultJoinSignals
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JoinCycle{
		registry:  opts.Registry,
		pool:      opts.Pool,
		engine:    opts.Engine,
		store:     opts.Store,
		recorder:  opts.Recorder,
		endpoint:  opts.Endpoint,
		keyPrefix: opts.KeyPrefix,
		attempts:  opts.Attempts,
		interval:  opts.Interval,
		signals:   signals,
		logger:    logger,
	}, nil
}

// Run joins the game identified by token on behalf of chatID. When auto-join
// is off or the token was already joined it returns 0 without side effects.
// Otherwise it spawns one coordinator per committed worker and blocks until
// all of them finish. It returns the number of coordinators spawned.
func (c *JoinCycle) Run(ctx context.Context, chatID, token string) (int, error) {
	start, err := c.registry.BeginJoin(chatID, token)
	if err != nil {
		return 0, err
	}
	if !start {
		c.logger.Debug("join skipped", "chat", chatID, "token", token)
		return 0, nil
	}
	sess, err := c.registry.Resolve(chatID)
	if err != nil {
		return 0, err
	}
	// Overrides last for one game. They are cleared only when a new game is
	// joined, so repeated or skipped announcements keep them.
	if c.engine != nil {
		c.engine.ResetPolicy()
	}

	workers := c.pool.Active()
	n := sess.WorkerCount()
	if n > len(workers) {
		n = len(workers)
	}
	coordinators := make([]*JoinCoordinator, 0, n)
	for _, w := range workers[:n] {
		jc := NewJoinCoordinator(w, JoinOpts{
			Endpoint: c.endpoint,
			Token:    token,
			Attempts: c.attempts,
			Interval: c.interval,
			Signals:  c.signals,
			Logger:   c.logger,
		})
		if err := jc.Start(ctx); err != nil {
			c.logger.Warn("start join coordinator", "worker", w.Name(), "err", err)
			continue
		}
		coordinators = append(coordinators, jc)
	}
	c.logger.Info("joining game", "chat", chatID, "token", token, "workers", len(coordinators))

	if c.store != nil {
		if err := c.store.Set(ctx, StoreKey(c.keyPrefix, chatID), []byte(token)); err != nil {
			c.logger.Warn("persist join token", "chat", chatID, "err", err)
		}
	}
	if c.recorder != nil {
		if err := c.recorder.RecordJoin(ctx, chatID, token, len(coordinators)); err != nil {
			c.logger.Warn("record join", "chat", chatID, "err", err)
		}
	}

	for _, jc := range coordinators {
		jc.Wait()
	}
	c.logger.Debug("join cycle complete", "chat", chatID, "token", token)
	return len(coordinators), nil
}

// LastToken returns the persisted token of chatID's last joined game.
func (c *JoinCycle) LastToken(ctx context.Context, chatID string) (string, bool, error) {
	if c.store == nil {
		token := ""
		if sess, err := c.registry.Resolve(chatID); err == nil {
			token = sess.JoinToken()
		}
		return token, token != "", nil
	}
	data, ok, err := c.store.Get(ctx, StoreKey(c.keyPrefix, chatID))
	if err != nil {
		return "", false, fmt.Errorf("player: load last token for %s: %w", chatID, err)
	}
	if !ok || len(data) == 0 {
		return "", false, nil
	}
	return string(data), true, nil
}

// Resend sends chatID's last join token to one worker again.
func (c *JoinCycle) Resend(ctx context.Context, w *Worker, chatID string) (string, error) {
	token, ok, err := c.LastToken(ctx, chatID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("player: no game joined in chat %s", chatID)
	}
	if err := w.SendText(ctx, c.endpoint, "/start "+token); err != nil {
		return "", fmt.Errorf("player: resend to %s: %w", w.Name(), err)
	}
	return token, nil
}

// Restore loads every session's persisted token so a restart does not join
// the same game twice.
func (c *JoinCycle) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	for _, sess := range c.registry.Sessions() {
		token, ok, err := c.LastToken(ctx, sess.ChatID())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := c.registry.Restore(sess.ChatID(), token); err != nil {
			return err
		}
		c.logger.Debug("restored join token", "chat", sess.ChatID(), "token", token)
	}
	return nil
}
