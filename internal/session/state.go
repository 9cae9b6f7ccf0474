package session

import "fmt"

// State is the lifecycle of the reader session. Transitions are validated
// centrally; anything not listed in validTransitions is a bug.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateCapturing   State = "capturing"
)

// CaptureStage tracks where inside a capture attempt the session is. The
// outcome stage of a finished attempt stays visible until the next attempt
// begins.
type CaptureStage string

const (
	StageIdle           CaptureStage = "idle"
	StageValidating     CaptureStage = "validating"
	StageCreatingIntent CaptureStage = "creating_intent"
	StageRetrieving     CaptureStage = "retrieving"
	StageCollecting     CaptureStage = "collecting"
	StageConfirming     CaptureStage = "confirming"
	StageSucceeded      CaptureStage = "succeeded"
	StageFailed         CaptureStage = "failed"
)

var validTransitions = map[State][]State{
	StateIdle:        {StateDiscovering},
	StateDiscovering: {StateConnecting, StateIdle},
	StateConnecting:  {StateConnected, StateIdle},
	StateConnected:   {StateCapturing, StateIdle},
	StateCapturing:   {StateConnected, StateIdle},
}

// transition moves the session to a new state. Caller must hold s.mu.
func (s *Session) transition(to State) error {
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.logger.Debugf("Session state: %s -> %s", s.state, to)
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid session transition: %s -> %s", s.state, to)
}

// forceIdle drops the session back to idle from any state. Used for
// disconnects and shutdown, where the current state is whatever it is.
// Caller must hold s.mu.
func (s *Session) forceIdle() {
	if s.state != StateIdle {
		s.logger.Debugf("Session state: %s -> %s", s.state, StateIdle)
		s.state = StateIdle
	}
}
