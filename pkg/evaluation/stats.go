package evaluation

import (
	"fmt"
	"sync"

	"github.com/docarena/docarena/pkg/models"
)

// CallStats tracks live generator-layer call statistics for one run:
// total/successful/failed calls, retries, and the call currently in flight.
// The executor owns one tracker per run and passes it down; there is no
// global instance.
type CallStats struct {
	mu sync.Mutex

	totalCalls      int
	successfulCalls int
	failedCalls     int
	retries         int
	currentPhase    string
	currentCall     string
	lastError       string

	// onUpdate fires after every mutation so the owner can broadcast live
	// stats. Must not block.
	onUpdate func(models.CallStatsSnapshot)
}

// NewCallStats creates an empty tracker.
func NewCallStats() *CallStats {
	return &CallStats{}
}

// SetOnUpdate installs the broadcast hook.
func (s *CallStats) SetOnUpdate(fn func(models.CallStatsSnapshot)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// RecordCallStart notes the phase and description of a call in flight.
func (s *CallStats) RecordCallStart(phase, description string) {
	s.mu.Lock()
	s.currentPhase = phase
	s.currentCall = description
	s.notifyLocked()
	s.mu.Unlock()
}

// RecordSuccess counts a successful call and clears the last error.
func (s *CallStats) RecordSuccess() {
	s.mu.Lock()
	s.totalCalls++
	s.successfulCalls++
	s.currentCall = ""
	s.lastError = ""
	s.notifyLocked()
	s.mu.Unlock()
}

// RecordFailure counts a failed call.
func (s *CallStats) RecordFailure(errMsg string) {
	s.mu.Lock()
	s.totalCalls++
	s.failedCalls++
	s.lastError = errMsg
	s.currentCall = ""
	s.notifyLocked()
	s.mu.Unlock()
}

// RecordRetry counts a retry attempt.
func (s *CallStats) RecordRetry(attempt int, errMsg string) {
	s.mu.Lock()
	s.retries++
	s.lastError = fmt.Sprintf("Retry %d: %s", attempt, errMsg)
	s.notifyLocked()
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *CallStats) Snapshot() models.CallStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *CallStats) snapshotLocked() models.CallStatsSnapshot {
	return models.CallStatsSnapshot{
		TotalCalls:      s.totalCalls,
		SuccessfulCalls: s.successfulCalls,
		FailedCalls:     s.failedCalls,
		Retries:         s.retries,
		CurrentPhase:    s.currentPhase,
		CurrentCall:     s.currentCall,
		LastError:       s.lastError,
	}
}

func (s *CallStats) notifyLocked() {
	if s.onUpdate != nil {
		s.onUpdate(s.snapshotLocked())
	}
}
