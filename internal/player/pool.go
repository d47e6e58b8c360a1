package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Worker is one automated participant identity.
type Worker struct {
	name      string
	transport Transport

	mu        sync.Mutex
	live      bool
	identity  Identity
	listeners map[uint64]func(Event)
	nextID    uint64
}

// NewWorker wraps a transport under a display name.
func NewWorker(name string, t Transport) *Worker {
	return &Worker{
		name:      name,
		transport: t,
		listeners: make(map[uint64]func(Event)),
	}
}

// Name returns the worker's configured name.
func (w *Worker) Name() string { return w.name }

// Identity returns the platform identity, valid once the worker is live.
func (w *Worker) Identity() Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

// Live reports whether the worker started successfully and was not stopped.
func (w *Worker) Live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live
}

// Subscribe registers fn for every event the worker receives until the
// returned function is called. The returned function is idempotent.
func (w *Worker) Subscribe(fn func(Event)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.listeners, id)
			w.mu.Unlock()
		})
	}
}

// notify delivers ev to the current listeners. Listeners may unsubscribe
// from inside the callback.
func (w *Worker) notify(ev Event) {
	w.mu.Lock()
	fns := make([]func(Event), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// listenerCount is used by tests.
func (w *Worker) listenerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

// SendText sends text to dest through the worker's transport.
func (w *Worker) SendText(ctx context.Context, dest, text string) error {
	return w.transport.SendText(ctx, dest, text)
}

// Click presses an option on a prompt the worker received.
func (w *Worker) Click(ctx context.Context, ref PromptRef, index int) error {
	return w.transport.Click(ctx, ref, index)
}

// Replier exposes the worker's transport for operator replies.
func (w *Worker) Replier() Replier { return w.transport }

// EventHandler consumes decoded events.
type EventHandler interface {
	Handle(ctx context.Context, ev Event)
}

// Pool owns every configured worker and tracks which of them are live.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger

	mu     sync.RWMutex
	active []*Worker
	botIDs []string
}

// NewPool creates a pool. Worker names must be unique.
func NewPool(workers []*Worker, logger *slog.Logger) (*Pool, error) {
	if len(workers) == 0 {
		return nil, &ConfigurationError{Reason: "at least one worker is required"}
	}
	seen := make(map[string]bool, len(workers))
	for _, w := range workers {
		if w == nil || w.transport == nil {
			return nil, &ConfigurationError{Reason: "worker transport is required"}
		}
		if seen[w.name] {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("worker %q configured twice", w.name)}
		}
		seen[w.name] = true
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{workers: workers, logger: logger}, nil
}

// Start starts every worker concurrently. Workers rejected with
// ErrDeactivated are dropped from the pool with a warning; any other start
// failure stops the workers already started and is returned. On success the
// registry's worker counts are clamped to the live pool size.
func (p *Pool) Start(ctx context.Context, reg *Registry) error {
	errs := make([]error, len(p.workers))
	var wg sync.WaitGroup
	for i, w := range p.workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			errs[i] = w.transport.Start(ctx)
		}(i, w)
	}
	wg.Wait()

	var active []*Worker
	var fatal error
	for i, w := range p.workers {
		switch {
		case errs[i] == nil:
			w.mu.Lock()
			w.live = true
			w.identity = w.transport.Identity()
			w.mu.Unlock()
			active = append(active, w)
		case errors.Is(errs[i], ErrDeactivated):
			p.logger.Warn("worker deactivated, removing from pool", "worker", w.name, "err", errs[i])
		default:
			if fatal == nil {
				fatal = fmt.Errorf("player: start worker %s: %w", w.name, errs[i])
			}
		}
	}
	if fatal != nil {
		for _, w := range active {
			w.stop(p.logger)
		}
		return fatal
	}
	if len(active) == 0 {
		return &ConfigurationError{Reason: "no worker could be started"}
	}

	botIDs := make([]string, 0, len(active))
	for _, w := range active {
		if id := w.Identity().ID; id != "" {
			botIDs = append(botIDs, id)
		}
	}

	p.mu.Lock()
	p.active = active
	p.botIDs = botIDs
	p.mu.Unlock()

	if reg != nil {
		reg.ClampWorkers(len(active))
	}
	p.logger.Info("workers started", "live", len(active), "configured", len(p.workers))
	return nil
}

// Active returns the live workers in configuration order.
func (p *Pool) Active() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Worker, len(p.active))
	copy(out, p.active)
	return out
}

// Primary returns the first live worker: the one whose view of monitored
// chats and operator commands is acted upon.
func (p *Pool) Primary() *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.active) == 0 {
		return nil
	}
	return p.active[0]
}

// Lookup finds a live worker by name.
func (p *Pool) Lookup(name string) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.active {
		if w.name == name {
			return w, true
		}
	}
	return nil, false
}

// Workers returns every configured worker, live or not.
func (p *Pool) Workers() []*Worker {
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// BotIDs returns the identities of the pool's own workers. Written once by
// Start and read-only afterwards.
func (p *Pool) BotIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.botIDs
}

// Run pumps every live worker's events to its listeners and then to h. It
// blocks until ctx is cancelled or every event channel is closed.
func (p *Pool) Run(ctx context.Context, h EventHandler) {
	var wg sync.WaitGroup
	for _, w := range p.Active() {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			events := w.transport.Events()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						p.logger.Info("worker event stream closed", "worker", w.name)
						return
					}
					w.notify(ev)
					h.Handle(ctx, ev)
				}
			}
		}(w)
	}
	wg.Wait()
}

// Stop disconnects every live worker.
func (p *Pool) Stop() {
	for _, w := range p.Active() {
		w.stop(p.logger)
	}
}

func (w *Worker) stop(logger *slog.Logger) {
	w.mu.Lock()
	wasLive := w.live
	w.live = false
	w.mu.Unlock()
	if !wasLive {
		return
	}
	if err := w.transport.Stop(); err != nil {
		logger.Warn("stop worker", "worker", w.name, "err", err)
	}
}
