package stream

import "github.com/visionguard/detection-client/pkg/types"

// Outcome is the state machine's verdict after a counted failure.
type Outcome int

const (
	// OutcomeRetry means the loop should back off and try again.
	OutcomeRetry Outcome = iota
	// OutcomeHalt means consecutive failures reached the configured
	// limit; the loop must stop and surface the loss to the user.
	OutcomeHalt
)

// ConnState tracks connection status and the consecutive-failure counter
// that drives the abort decision. It is owned by the stream loop and is
// not safe for concurrent use.
type ConnState struct {
	maxAttempts int
	status      types.ConnectionStatus
	failures    int
}

// NewConnState creates a state machine that halts after maxAttempts
// consecutive counted failures.
func NewConnState(maxAttempts int) *ConnState {
	return &ConnState{
		maxAttempts: maxAttempts,
		status:      types.StatusConnecting,
	}
}

// Reset returns to Connecting with a clean counter. Called on every
// stream start.
func (s *ConnState) Reset() {
	s.status = types.StatusConnecting
	s.failures = 0
}

// OnSuccess records a successful response: Connected, counter cleared.
func (s *ConnState) OnSuccess() {
	s.status = types.StatusConnected
	s.failures = 0
}

// OnFailure records a counted failure and returns whether the loop may
// retry. Skips (capture or decode problems) must not be reported here.
func (s *ConnState) OnFailure() Outcome {
	s.failures++
	s.status = types.StatusError
	if s.failures >= s.maxAttempts {
		return OutcomeHalt
	}
	return OutcomeRetry
}

// Status returns the current connection status.
func (s *ConnState) Status() types.ConnectionStatus { return s.status }

// Failures returns the consecutive-failure counter.
func (s *ConnState) Failures() int { return s.failures }
