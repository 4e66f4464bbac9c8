package circuitbreaker

import (
	"sync"
	"time"

	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Settings struct {
	Name string
	// WindowSize is the number of most recent calls the error rate is
	// computed over. The breaker never trips before the window is full.
	WindowSize int
	// FailureRatio in (0,1]; the breaker opens when failures/calls reaches it.
	FailureRatio float64
	// ResetTimeout is how long the breaker stays open before allowing a trial call.
	ResetTimeout time.Duration
	// OnStateChange is called with the breaker lock released.
	OnStateChange func(name string, from, to State)
	// Now is overridable for tests.
	Now func() time.Time
}

// CircuitBreaker is a rolling-window failure-rate breaker.
// CLOSED -> OPEN when the error rate over the window reaches FailureRatio;
// OPEN -> HALF_OPEN after ResetTimeout; HALF_OPEN admits exactly one trial
// call, closing on success and reopening on failure.
type CircuitBreaker struct {
	name         string
	windowSize   int
	failureRatio float64
	timeout      time.Duration
	onChange     func(name string, from, to State)
	now          func() time.Time

	mu       sync.Mutex
	state    State
	window   []bool // true = failure
	next     int
	count    int
	failures int
	openedAt time.Time
	trial    bool
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.WindowSize <= 0 {
		settings.WindowSize = 20
	}
	if settings.FailureRatio <= 0 || settings.FailureRatio > 1 {
		settings.FailureRatio = 0.5
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = 30 * time.Second
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &CircuitBreaker{
		name:         settings.Name,
		windowSize:   settings.WindowSize,
		failureRatio: settings.FailureRatio,
		timeout:      settings.ResetTimeout,
		onChange:     settings.OnStateChange,
		now:          settings.Now,
		state:        StateClosed,
		window:       make([]bool, settings.WindowSize),
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, promoting OPEN to HALF_OPEN once the
// reset timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn if the breaker admits the call and records its outcome.
// While open it returns *errors.CircuitOpenError without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	halfOpenTrial, err := cb.before()
	if err != nil {
		return err
	}

	err = fn()
	cb.after(halfOpenTrial, err == nil)
	return err
}

func (cb *CircuitBreaker) before() (bool, error) {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		elapsed := now.Sub(cb.openedAt)
		if elapsed < cb.timeout {
			return false, &apperrors.CircuitOpenError{Breaker: cb.name, RetryAfter: cb.timeout - elapsed}
		}
		transition = cb.setState(StateHalfOpen)
		cb.trial = true
		return true, nil
	case StateHalfOpen:
		if cb.trial {
			return false, &apperrors.CircuitOpenError{Breaker: cb.name}
		}
		cb.trial = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) after(halfOpenTrial, success bool) {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	if halfOpenTrial {
		cb.trial = false
		if success {
			cb.reset()
			transition = cb.setState(StateClosed)
		} else {
			cb.openedAt = cb.now()
			transition = cb.setState(StateOpen)
		}
		return
	}

	// A result from a call admitted while closed may arrive after the
	// breaker already opened; it no longer affects the window.
	if cb.state != StateClosed {
		return
	}

	cb.record(!success)
	if cb.count >= cb.windowSize && float64(cb.failures)/float64(cb.count) >= cb.failureRatio {
		cb.openedAt = cb.now()
		transition = cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) record(failed bool) {
	if cb.count == cb.windowSize {
		if cb.window[cb.next] {
			cb.failures--
		}
	} else {
		cb.count++
	}
	cb.window[cb.next] = failed
	if failed {
		cb.failures++
	}
	cb.next = (cb.next + 1) % cb.windowSize
}

func (cb *CircuitBreaker) reset() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.next, cb.count, cb.failures = 0, 0, 0
}

// setState must be called with mu held; the returned func fires the callback.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.onChange == nil {
		return nil
	}
	return func() { cb.onChange(cb.name, from, to) }
}

// Counts returns the calls and failures currently in the window.
func (cb *CircuitBreaker) Counts() (calls, failures int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.count, cb.failures
}
