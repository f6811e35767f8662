package pipeline

import (
	"sync"
	"time"
)

// Failure is one recording's terminal error within a run.
type Failure struct {
	RecordingID string `json:"recording_id"`
	Kind        string `json:"kind"`
	Error       string `json:"error"`
}

// Summary is the result of one coordinator run.
type Summary struct {
	RunID       string    `json:"run_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	Discovered       int `json:"discovered"`
	Recovered        int `json:"recovered"`
	Transcribed      int `json:"transcribed"`
	Persisted        int `json:"persisted"`
	Failed           int `json:"failed"`
	DeletionDeferred int `json:"deletion_deferred"`
	LeftInFlight     int `json:"left_in_flight"`

	Interrupted bool      `json:"interrupted"`
	Failures    []Failure `json:"failures,omitempty"`

	mu sync.Mutex
}

func (s *Summary) add(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

func (s *Summary) addFailure(recordingID, kind string, err error) {
	s.add(func() {
		s.Failed++
		s.Failures = append(s.Failures, Failure{
			RecordingID: recordingID,
			Kind:        kind,
			Error:       err.Error(),
		})
	})
}
