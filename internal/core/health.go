package core

import (
	"math"
	"sync"
	"time"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// HealthMonitor tracks success/failure of calls to the merchant backend and
// opens a circuit after repeated failures so the agent stops hammering a
// struggling server.
type HealthMonitor struct {
	successCount     int64
	failureCount     int64
	lastResponse     time.Time
	circuitState     CircuitState
	failureThreshold int
	recoveryTimeout  time.Duration
	mutex            sync.RWMutex
}

func NewHealthMonitor(failureThreshold int, recoveryTimeout time.Duration) *HealthMonitor {
	return &HealthMonitor{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		circuitState:     CircuitClosed,
	}
}

func (hm *HealthMonitor) CanProceed() bool {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	switch hm.circuitState {
	case CircuitOpen:
		if time.Since(hm.lastResponse) > hm.recoveryTimeout {
			// Try to transition to half-open
			hm.circuitState = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen, CircuitClosed:
		return true
	default:
		return false
	}
}

func (hm *HealthMonitor) RecordSuccess() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.successCount++
	hm.lastResponse = time.Now()

	if hm.circuitState == CircuitHalfOpen {
		hm.circuitState = CircuitClosed
		hm.failureCount = 0 // Reset failure count on recovery
	}
}

func (hm *HealthMonitor) RecordFailure() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.failureCount++
	hm.lastResponse = time.Now()

	if hm.failureCount >= int64(hm.failureThreshold) {
		hm.circuitState = CircuitOpen
	}
}

func (hm *HealthMonitor) GetLoad() float64 {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	return hm.loadLocked()
}

// loadLocked computes the backend load estimate. Caller holds the mutex.
func (hm *HealthMonitor) loadLocked() float64 {
	total := hm.successCount + hm.failureCount
	if total == 0 {
		return 0.0
	}

	failureRate := float64(hm.failureCount) / float64(total)

	// Load is failure rate + time since last response factor
	timeFactor := math.Min(1.0, time.Since(hm.lastResponse).Seconds()/30.0)

	return math.Min(1.0, failureRate+timeFactor*0.3)
}

func (hm *HealthMonitor) GetCircuitState() string {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	return hm.circuitStateLocked()
}

func (hm *HealthMonitor) circuitStateLocked() string {
	switch hm.circuitState {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (hm *HealthMonitor) GetStats() map[string]interface{} {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	return map[string]interface{}{
		"success_count": hm.successCount,
		"failure_count": hm.failureCount,
		"backend_load":  hm.loadLocked(),
		"circuit_state": hm.circuitStateLocked(),
	}
}
