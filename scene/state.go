package scene

import (
	"sync"
	"time"
)

// Progress describes the run in flight, if any
type Progress struct {
	RunID      string    `json:"runId,omitempty"`
	Running    bool      `json:"running"`
	PairsDone  int       `json:"pairsDone"`
	PairsTotal int       `json:"pairsTotal"`
	Failed     int       `json:"failed"`
	Started    time.Time `json:"started,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// StateTracker tracks run progress and the latest pose graph for HTTP endpoints
type StateTracker struct {
	mu       sync.RWMutex
	progress Progress
	summary  *Summary
	graph    *PoseGraph
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// NewStateTrackerWithCache creates a state tracker seeded with the pose graph
// stored at cachePath, if it exists
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := NewStateTracker()
	if cachePath != "" {
		if g, err := LoadPoseGraph(cachePath); err == nil {
			st.graph = g
		}
	}
	return st
}

// Begin marks a run as started. It returns false if a run is already active.
func (st *StateTracker) Begin(runID string, pairs int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.progress.Running {
		return false
	}
	st.progress = Progress{
		RunID:      runID,
		Running:    true,
		PairsTotal: pairs,
		Started:    time.Now(),
	}
	return true
}

// SetTotal updates the expected number of pairs for the active run
func (st *StateTracker) SetTotal(pairs int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.progress.PairsTotal = pairs
}

// ObservePair counts one completed pair. Safe for concurrent use.
func (st *StateTracker) ObservePair(r MatchingResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.progress.PairsDone++
	if !r.Success() {
		st.progress.Failed++
	}
}

// Finish ends the active run, storing its summary and graph on success
func (st *StateTracker) Finish(s *Summary, g *PoseGraph, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.progress.Running = false
	if err != nil {
		st.progress.LastError = err.Error()
		return
	}
	st.progress.LastError = ""
	st.summary = s
	st.graph = g
}

// IsRunning reports whether a run is active
func (st *StateTracker) IsRunning() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.progress.Running
}

// GetProgress returns a copy of the current progress
func (st *StateTracker) GetProgress() Progress {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.progress
}

// GetSummary returns the summary of the last successful run, or nil
func (st *StateTracker) GetSummary() *Summary {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.summary
}

// GetGraph returns the last assembled pose graph, or nil
func (st *StateTracker) GetGraph() *PoseGraph {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.graph
}
