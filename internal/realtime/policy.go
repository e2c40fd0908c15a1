package realtime

import "time"

const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// State is the lifecycle state of one session slot.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Decision is what the policy concluded after a close.
type Decision struct {
	State   State
	Retry   bool
	Attempt int
	Delay   time.Duration
}

// Policy is the bounded fixed-interval reconnect state machine for one
// session slot. It is not safe for concurrent use; the Manager guards it
// with its own mutex, including inside scheduled callbacks.
type Policy struct {
	interval    time.Duration
	maxAttempts int

	state    State
	attempts int

	// ticket identifies the currently scheduled attempt. Cancel and
	// every new Schedule bump it so a timer that already fired but has
	// not yet acquired the lock is recognised as stale.
	ticket uint64
	timer  *time.Timer
}

// NewPolicy returns a policy in the Disconnected state. Non-positive
// values select the defaults.
func NewPolicy(interval time.Duration, maxAttempts int) *Policy {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}

	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}

	return &Policy{interval: interval, maxAttempts: maxAttempts}
}

func (p *Policy) State() State { return p.state }

func (p *Policy) Attempts() int { return p.attempts }

func (p *Policy) MaxAttempts() int { return p.maxAttempts }

func (p *Policy) Interval() time.Duration { return p.interval }

// Begin starts an explicit connect: any scheduled attempt is dropped and
// the attempt counter resets.
func (p *Policy) Begin() {
	p.stop()
	p.attempts = 0
	p.state = StateConnecting
}

// Opened records a successful open.
func (p *Policy) Opened() {
	p.attempts = 0
	p.state = StateConnected
}

// Closed records a close and decides whether to retry. The caller is
// expected to Schedule when Decision.Retry is set.
func (p *Policy) Closed(clean bool) Decision {
	p.stop()

	if clean {
		p.state = StateDisconnected
		return Decision{State: p.state}
	}

	if p.attempts >= p.maxAttempts {
		p.state = StateFailed
		return Decision{State: p.state, Attempt: p.attempts}
	}

	p.attempts++
	p.state = StateReconnecting

	return Decision{State: p.state, Retry: true, Attempt: p.attempts, Delay: p.interval}
}

// Schedule arms the reconnect timer. fn receives the ticket it must
// present to Attempt.
func (p *Policy) Schedule(fn func(ticket uint64)) {
	p.stop()
	ticket := p.ticket
	p.timer = time.AfterFunc(p.interval, func() { fn(ticket) })
}

// Attempt claims a fired timer. It returns false when the ticket is stale
// or the policy left the Reconnecting state in the meantime.
func (p *Policy) Attempt(ticket uint64) bool {
	if ticket != p.ticket || p.state != StateReconnecting {
		return false
	}

	p.timer = nil
	p.state = StateConnecting

	return true
}

// Cancel is an explicit disconnect: the timer is stopped and the slot
// returns to Disconnected.
func (p *Policy) Cancel() {
	p.stop()
	p.attempts = 0
	p.state = StateDisconnected
}

func (p *Policy) stop() {
	p.ticket++

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
