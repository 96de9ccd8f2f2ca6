package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const AutotradeJob = "auto_trading"

// Cycle runs one check-and-trade pass and returns the operator report.
type Cycle func(ctx context.Context) string

// Notify delivers a report to the chat that enabled autotrade.
type Notify func(ctx context.Context, chatID int64, text string)

// Autotrade is the operator's on/off switch for the recurring trade cycle.
// enabled is true exactly while the job is installed.
type Autotrade struct {
	sched    *Scheduler
	cycle    Cycle
	notify   Notify
	first    time.Duration
	interval time.Duration
	onChange func(enabled bool)

	mu      sync.Mutex
	enabled bool
	chatID  int64
}

func NewAutotrade(sched *Scheduler, first, interval time.Duration, cycle Cycle, notify Notify) *Autotrade {
	return &Autotrade{sched: sched, cycle: cycle, notify: notify, first: first, interval: interval}
}

// OnChange registers a callback for every enable or disable.
func (a *Autotrade) OnChange(fn func(enabled bool)) { a.onChange = fn }

// Toggle flips autotrade for chatID and returns the new state.
func (a *Autotrade) Toggle(chatID int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setLocked(!a.enabled, chatID)
}

func (a *Autotrade) Enable(chatID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.setLocked(true, chatID)
	return err
}

func (a *Autotrade) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.setLocked(false, a.chatID)
}

func (a *Autotrade) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *Autotrade) setLocked(enable bool, chatID int64) (bool, error) {
	a.sched.Cancel(AutotradeJob)
	a.enabled = false
	if enable {
		if err := a.sched.Every(AutotradeJob, a.first, a.interval, func(ctx context.Context) error {
			a.fire(ctx, chatID)
			return nil
		}); err != nil {
			a.notifyChange()
			return false, err
		}
		a.enabled = true
		a.chatID = chatID
	}
	slog.Info("autotrade toggled", "enabled", a.enabled, "chat_id", chatID)
	a.notifyChange()
	return a.enabled, nil
}

func (a *Autotrade) notifyChange() {
	if a.onChange != nil {
		a.onChange(a.enabled)
	}
}

func (a *Autotrade) fire(ctx context.Context, chatID int64) {
	if !a.Enabled() {
		return
	}
	text := a.cycle(ctx)
	if a.notify != nil && text != "" {
		a.notify(ctx, chatID, text)
	}
}
