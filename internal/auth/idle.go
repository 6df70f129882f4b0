package auth

import (
	"sync"
	"time"
)

// DefaultIdleWindow is the fixed idle period after which a session expires.
const DefaultIdleWindow = 30 * time.Minute

// ActivityClass identifies a tracked "the user is present" input signal.
type ActivityClass string

const (
	ActivityPointerDown ActivityClass = "pointerdown"
	ActivityKeyDown     ActivityClass = "keydown"
	ActivityScroll      ActivityClass = "scroll"
	ActivityTouchStart  ActivityClass = "touchstart"
)

// ValidActivity reports whether the class is one of the tracked signals.
func ValidActivity(class ActivityClass) bool {
	switch class {
	case ActivityPointerDown, ActivityKeyDown, ActivityScroll, ActivityTouchStart:
		return true
	}
	return false
}

// IdleMonitor force-expires the session after a fixed idle window measured
// from the last observed user input. Expiry is fatal: the handler is invoked
// once and the monitor disarms itself.
type IdleMonitor struct {
	window   time.Duration
	onExpire func()

	mu    sync.Mutex
	timer *time.Timer
	armed bool
}

// NewIdleMonitor constructs a monitor; onExpire is invoked on its own
// goroutine when the window elapses without activity.
func NewIdleMonitor(window time.Duration, onExpire func()) *IdleMonitor {
	if window <= 0 {
		window = DefaultIdleWindow
	}
	if onExpire == nil {
		onExpire = func() {}
	}
	return &IdleMonitor{window: window, onExpire: onExpire}
}

// Arm starts (or restarts) the countdown.
func (m *IdleMonitor) Arm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = true
	m.restartLocked()
}

// Touch registers a tracked input event, resetting the countdown. Untracked
// classes and touches on a disarmed monitor are ignored. It reports whether
// the event was accepted.
func (m *IdleMonitor) Touch(class ActivityClass) bool {
	if !ValidActivity(class) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.armed {
		return false
	}
	m.restartLocked()
	return true
}

// Stop cancels the countdown without invoking the expiry handler.
func (m *IdleMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *IdleMonitor) restartLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.window, m.expire)
}

func (m *IdleMonitor) expire() {
	m.mu.Lock()
	if !m.armed {
		m.mu.Unlock()
		return
	}
	m.armed = false
	m.timer = nil
	m.mu.Unlock()
	m.onExpire()
}
