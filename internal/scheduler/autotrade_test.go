package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	chats []int64
}

func (r *recorder) notify(ctx context.Context, chatID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, chatID)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

func TestToggleOnOffOnLeavesOneJob(t *testing.T) {
	s := New(context.Background(), 0)
	defer s.Stop()

	var cycles atomic.Int32
	rec := &recorder{}
	auto := NewAutotrade(s, time.Hour, time.Hour, func(ctx context.Context) string {
		cycles.Add(1)
		return "report"
	}, rec.notify)

	var changes []bool
	auto.OnChange(func(enabled bool) { changes = append(changes, enabled) })

	for i, want := range []bool{true, false, true} {
		got, err := auto.Toggle(42)
		if err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("toggle %d: expected enabled=%v, got %v", i, want, got)
		}
		if auto.Enabled() != s.Active(AutotradeJob) {
			t.Fatalf("toggle %d: enabled=%v but job active=%v", i, auto.Enabled(), s.Active(AutotradeJob))
		}
	}
	if s.Count() != 1 {
		t.Fatalf("expected exactly one live job, got %d", s.Count())
	}
	if len(changes) != 3 || !changes[2] {
		t.Fatalf("unexpected change notifications %v", changes)
	}
}

func TestRapidTogglesNeverStackTimers(t *testing.T) {
	s := New(context.Background(), 0)
	defer s.Stop()

	auto := NewAutotrade(s, time.Hour, time.Hour, func(ctx context.Context) string { return "" }, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = auto.Toggle(1)
		}()
	}
	wg.Wait()

	enabled := auto.Enabled()
	if enabled != s.Active(AutotradeJob) {
		t.Fatalf("enabled=%v but job active=%v", enabled, s.Active(AutotradeJob))
	}
	if n := s.Count(); (enabled && n != 1) || (!enabled && n != 0) {
		t.Fatalf("expected %v job(s), got %d", enabled, n)
	}
}

func TestAutotradeReportsToEnablingChat(t *testing.T) {
	s := New(context.Background(), 0)
	defer s.Stop()

	rec := &recorder{}
	auto := NewAutotrade(s, time.Millisecond, 5*time.Millisecond, func(ctx context.Context) string { return "cycle" }, rec.notify)
	if err := auto.Enable(7); err != nil {
		t.Fatalf("enable: %v", err)
	}
	waitFor(t, func() bool { return rec.count() >= 2 })

	auto.Disable()
	if s.Active(AutotradeJob) || auto.Enabled() {
		t.Fatalf("expected autotrade off")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, chat := range rec.chats {
		if chat != 7 {
			t.Fatalf("expected reports to chat 7, got %d", chat)
		}
	}
}
