package timeout

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Rule is the timeout manager's own rule type.
type Rule struct {
	Pattern string
	Timeout time.Duration
}

// Config is the timeout manager's own config type.
type Config struct {
	DefaultTimeout time.Duration
	Rules          []Rule
}

type compiledRule struct {
	pattern *regexp.Regexp
	timeout time.Duration
}

// Manager resolves query timeouts based on SQL pattern matching.
type Manager struct {
	rules          []compiledRule
	defaultTimeout time.Duration
}

// NewManager creates a new Manager. Panics on invalid regex patterns.
func NewManager(config Config) *Manager {
	compiled := make([]compiledRule, len(config.Rules))
	for i, r := range config.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			panic(fmt.Sprintf("timeout: invalid regex pattern %q: %v", r.Pattern, err))
		}
		compiled[i] = compiledRule{pattern: re, timeout: r.Timeout}
	}
	return &Manager{rules: compiled, defaultTimeout: config.DefaultTimeout}
}

// TimeoutFor returns the timeout for the given SQL and the pattern that
// matched, or an empty pattern when the default applies.
// First matching rule wins.
func (m *Manager) TimeoutFor(sql string) (time.Duration, string) {
	for _, rule := range m.rules {
		if rule.pattern.MatchString(sql) {
			return rule.timeout, rule.pattern.String()
		}
	}
	return m.defaultTimeout, ""
}

// Watch is a cooperative, non-preemptive stopwatch. The executor consults
// Expired at defined checkpoints and refuses to proceed once the budget is
// spent. A Watch cannot abort a database call that is already blocking —
// true in-flight cancellation rides the context deadline passed to the
// driver; the Watch exists for checkpoint refusal and telemetry.
type Watch struct {
	mu        sync.Mutex
	budget    time.Duration
	start     time.Time
	cancelled bool
}

// NewWatch creates a Watch with the given budget. The clock does not run
// until Start is called.
func NewWatch(budget time.Duration) *Watch {
	return &Watch{budget: budget}
}

// Start records the monotonic start time. Calling Start again restarts the
// clock.
func (w *Watch) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start = time.Now()
	w.cancelled = false
}

// Expired reports whether the budget has been exceeded. Always false before
// Start or after Cancel.
func (w *Watch) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled || w.start.IsZero() {
		return false
	}
	return time.Since(w.start) > w.budget
}

// ElapsedMs returns milliseconds since Start, for telemetry. Zero before
// Start.
func (w *Watch) ElapsedMs() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() {
		return 0
	}
	return float64(time.Since(w.start)) / float64(time.Millisecond)
}

// Budget returns the configured budget.
func (w *Watch) Budget() time.Duration {
	return w.budget
}

// Cancel marks the watch inert; subsequent Expired calls return false.
func (w *Watch) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = true
}
