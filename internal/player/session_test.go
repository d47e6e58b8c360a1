package player

import (
	"errors"
	"sync"
	"testing"
)

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name  string
		total int
		chats []SessionOpts
	}{
		{"no workers", 0, []SessionOpts{{ChatID: "100"}}},
		{"no chats", 3, nil},
		{"empty chat id", 3, []SessionOpts{{ChatID: ""}}},
		{"duplicate chat", 3, []SessionOpts{{ChatID: "100"}, {ChatID: "100"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.total, tt.chats...)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestNewRegistry_WorkerDefaults(t *testing.T) {
	reg, err := NewRegistry(4,
		SessionOpts{ChatID: "100"},
		SessionOpts{ChatID: "200", Workers: 2},
		SessionOpts{ChatID: "300", Workers: 9, Disabled: true},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	want := map[string]int{"100": 4, "200": 2, "300": 4}
	for id, n := range want {
		sess, err := reg.Resolve(id)
		if err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
		if got := sess.WorkerCount(); got != n {
			t.Errorf("chat %s: worker count = %d, want %d", id, got, n)
		}
	}
	sess, _ := reg.Resolve("300")
	if sess.Enabled() {
		t.Error("chat 300 should start disabled")
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	reg, _ := NewRegistry(1, SessionOpts{ChatID: "100"})
	_, err := reg.Resolve("999")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if reg.Has("999") {
		t.Error("Has(999) = true")
	}
}

func TestRegistry_BeginJoinOnce(t *testing.T) {
	reg, _ := NewRegistry(3, SessionOpts{ChatID: "100"})

	start, err := reg.BeginJoin("100", "abc123")
	if err != nil || !start {
		t.Fatalf("first BeginJoin = %v, %v; want true, nil", start, err)
	}
	start, err = reg.BeginJoin("100", "abc123")
	if err != nil || start {
		t.Fatalf("repeated BeginJoin = %v, %v; want false, nil", start, err)
	}
	start, _ = reg.BeginJoin("100", "def456")
	if !start {
		t.Fatal("BeginJoin with a new token should start")
	}
	sess, _ := reg.Resolve("100")
	if got := sess.JoinToken(); got != "def456" {
		t.Errorf("join token = %q, want def456", got)
	}
}

func TestRegistry_BeginJoinConcurrent(t *testing.T) {
	reg, _ := NewRegistry(3, SessionOpts{ChatID: "100"})

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	gate := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			ok, err := reg.BeginJoin("100", "abc123")
			if err != nil {
				t.Errorf("BeginJoin: %v", err)
				return
			}
			if ok {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	close(gate)
	wg.Wait()

	if started != 1 {
		t.Errorf("BeginJoin started %d joins, want 1", started)
	}
}

func TestRegistry_BeginJoinSkips(t *testing.T) {
	reg, _ := NewRegistry(3, SessionOpts{ChatID: "100", Disabled: true})

	if start, _ := reg.BeginJoin("100", "abc123"); start {
		t.Error("disabled session should not start a join")
	}
	if start, _ := reg.BeginJoin("100", ""); start {
		t.Error("empty token should not start a join")
	}
	if _, err := reg.BeginJoin("999", "abc123"); err == nil {
		t.Error("unregistered chat should fail")
	}
}

func TestRegistry_NewJoinClearsAvoid(t *testing.T) {
	reg, _ := NewRegistry(3, SessionOpts{ChatID: "100"})
	sess, _ := reg.Resolve("100")
	reg.BeginJoin("100", "abc123")
	sess.AddAvoid("u1")
	sess.AddAvoid("u2")

	reg.BeginJoin("100", "def456")
	if got := sess.AvoidList(); len(got) != 0 {
		t.Errorf("avoid list after new join = %v, want empty", got)
	}
}

func TestSession_AddAvoid(t *testing.T) {
	reg, _ := NewRegistry(1, SessionOpts{ChatID: "100"})
	sess, _ := reg.Resolve("100")

	if !sess.AddAvoid("u1") {
		t.Error("first add should report true")
	}
	if sess.AddAvoid("u1") {
		t.Error("duplicate add should report false")
	}
	if sess.AddAvoid("") {
		t.Error("empty id should be ignored")
	}
	sess.AddAvoid("u2")

	got := sess.AvoidList()
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("avoid list = %v, want [u1 u2]", got)
	}
	got[0] = "changed"
	if sess.AvoidList()[0] != "u1" {
		t.Error("AvoidList should return a copy")
	}
}

func TestRegistry_ResolveToken(t *testing.T) {
	reg, _ := NewRegistry(2, SessionOpts{ChatID: "100"}, SessionOpts{ChatID: "200"})
	reg.BeginJoin("100", "tok-aaa")
	reg.BeginJoin("200", "tok-bbb")

	if id, ok := reg.ResolveToken("bbb"); !ok || id != "200" {
		t.Errorf("ResolveToken(bbb) = %q, %v; want 200, true", id, ok)
	}
	if id, ok := reg.ResolveToken("tok-aaa"); !ok || id != "100" {
		t.Errorf("ResolveToken(tok-aaa) = %q, %v; want 100, true", id, ok)
	}
	if _, ok := reg.ResolveToken("zzz"); ok {
		t.Error("unknown token should not resolve")
	}
	if _, ok := reg.ResolveToken(""); ok {
		t.Error("empty token should not resolve")
	}
}

func TestRegistry_ResolveTokenInvalidatedByNewJoin(t *testing.T) {
	reg, _ := NewRegistry(2, SessionOpts{ChatID: "100"})
	reg.BeginJoin("100", "abc123")
	if _, ok := reg.ResolveToken("abc123"); !ok {
		t.Fatal("token should resolve after join")
	}

	reg.BeginJoin("100", "def456")
	if _, ok := reg.ResolveToken("abc123"); ok {
		t.Error("stale token should not resolve after a new join")
	}
	if id, ok := reg.ResolveToken("def456"); !ok || id != "100" {
		t.Errorf("ResolveToken(def456) = %q, %v", id, ok)
	}
}

func TestSession_SetWorkerCount(t *testing.T) {
	reg, _ := NewRegistry(3, SessionOpts{ChatID: "100", Workers: 2})
	sess, _ := reg.Resolve("100")

	for _, n := range []int{0, -1, 4} {
		if err := sess.SetWorkerCount(n); !errors.Is(err, ErrWorkerCountRange) {
			t.Errorf("SetWorkerCount(%d) = %v, want ErrWorkerCountRange", n, err)
		}
	}
	if got := sess.WorkerCount(); got != 2 {
		t.Errorf("rejected values changed worker count to %d", got)
	}
	if err := sess.SetWorkerCount(3); err != nil {
		t.Fatalf("SetWorkerCount(3): %v", err)
	}
	if got := sess.ResetWorkerCount(); got != 2 {
		t.Errorf("ResetWorkerCount = %d, want 2", got)
	}
}

func TestRegistry_ClampWorkers(t *testing.T) {
	reg, _ := NewRegistry(4, SessionOpts{ChatID: "100"}, SessionOpts{ChatID: "200", Workers: 2})
	reg.ClampWorkers(3)

	if got := reg.TotalWorkers(); got != 3 {
		t.Errorf("total = %d, want 3", got)
	}
	a, _ := reg.Resolve("100")
	if got := a.WorkerCount(); got != 3 {
		t.Errorf("chat 100 worker count = %d, want 3", got)
	}
	b, _ := reg.Resolve("200")
	if got := b.WorkerCount(); got != 2 {
		t.Errorf("chat 200 worker count = %d, want 2", got)
	}
	if err := a.SetWorkerCount(4); err == nil {
		t.Error("count above the live pool should be rejected")
	}
}

func TestSession_ToggleEnabled(t *testing.T) {
	reg, _ := NewRegistry(1, SessionOpts{ChatID: "100"})
	sess, _ := reg.Resolve("100")
	if sess.ToggleEnabled() {
		t.Error("first toggle should disable")
	}
	if !sess.ToggleEnabled() {
		t.Error("second toggle should enable")
	}
}

func TestRegistry_SessionsSorted(t *testing.T) {
	reg, _ := NewRegistry(1, SessionOpts{ChatID: "300"}, SessionOpts{ChatID: "100"}, SessionOpts{ChatID: "200"})
	got := reg.Sessions()
	if len(got) != 3 || got[0].ChatID() != "100" || got[2].ChatID() != "300" {
		t.Errorf("sessions not sorted by chat id")
	}
}
