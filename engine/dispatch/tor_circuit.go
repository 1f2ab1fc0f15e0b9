package dispatch

import (
	"sync"
	"time"
)

// TorStatus mirrors spec §6's tor_status values.
type TorStatus string

const (
	TorDisabled  TorStatus = "disabled"
	TorConnecting TorStatus = "connecting"
	TorConnected TorStatus = "connected"
	TorOffline   TorStatus = "offline"
)

// torOpenDuration is how long the breaker stays "offline" before going
// half-open, where dial attempts are allowed until the next reported
// outcome closes or re-opens it; adapted from the teacher's domain-state
// circuit breaker (engine/internal/ratelimit/domain_state.go) down to the
// two signals tor actually has: did the SOCKS dial succeed or not.
const torOpenDuration = 30 * time.Second

// consecutiveFailsToTrip matches the teacher's ConsecutiveFailThreshold
// knob, fixed here since tor has no per-domain config surface.
const consecutiveFailsToTrip = 3

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// torCircuit tracks SOCKS-proxy reachability so repeated dial failures
// degrade the engine to "offline" without escalating errors to the caller
// (spec §4.6: "Failure to reach the SOCKS proxy degrades to 'tor offline'
// state ... bypassed without error escalation").
type torCircuit struct {
	mu               sync.Mutex
	state            breakerState
	openedAt         time.Time
	consecutiveFails int
	everConnected    bool
}

func newTorCircuit() *torCircuit {
	return &torCircuit{state: breakerClosed}
}

// Allow reports whether a dial attempt should be made right now.
func (c *torCircuit) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		if now.Sub(c.openedAt) >= torOpenDuration {
			c.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// Report records the outcome of a dial/request attempt.
func (c *torCircuit) Report(now time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.everConnected = true
		c.consecutiveFails = 0
		c.state = breakerClosed
		return
	}
	c.consecutiveFails++
	if c.state == breakerHalfOpen || c.consecutiveFails >= consecutiveFailsToTrip {
		c.state = breakerOpen
		c.openedAt = now
	}
}

// Status reports the externally-visible tor_status (spec §6).
func (c *torCircuit) Status(now time.Time) TorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		return TorOffline
	case breakerHalfOpen:
		return TorConnecting
	default:
		if c.everConnected {
			return TorConnected
		}
		return TorConnecting
	}
}
