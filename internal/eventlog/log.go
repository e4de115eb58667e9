package eventlog

import (
	"sync"
	"time"
)

// Event types recorded by the scheduler.
const (
	TypeAgentResult    = "agent_result"
	TypeAgentError     = "agent_error"
	TypeRouted         = "routed"
	TypeForkCompleted  = "fork_completed"
	TypeJoinCompleted  = "join_completed"
	TypeJoinTimeout    = "join_timeout"
	TypePartialFailure = "partial_failure"
)

// Entry is one append-only run log record.
type Entry struct {
	Step            int                    `json:"step"`
	AgentID         string                 `json:"agent_id"`
	EventType       string                 `json:"event_type"`
	Timestamp       time.Time              `json:"timestamp"`
	Payload         map[string]interface{} `json:"payload"`
	RunID           string                 `json:"run_id"`
	ForkGroup       string                 `json:"fork_group,omitempty"`
	PreviousOutputs map[string]interface{} `json:"previous_outputs,omitempty"`
}

// Sink receives every log entry at least once, in append order per run.
type Sink interface {
	Append(entry Entry)
}

// Recorder is the in-memory ordered run log. It is the produced
// artifact of a run; branch goroutines append concurrently with the
// scheduler, so access is mutex-guarded.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	sinks   []Sink
}

// NewRecorder creates an empty run log, fanning out to optional sinks.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

// Append adds an entry and forwards it to every sink.
func (r *Recorder) Append(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	for _, s := range r.sinks {
		s.Append(entry)
	}
}

// Entries returns a copy of the ordered log.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Last returns the most recent entry matching the filter, scanning from
// the end. A nil filter matches everything.
func (r *Recorder) Last(filter func(Entry) bool) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if filter == nil || filter(r.entries[i]) {
			return r.entries[i], true
		}
	}
	return Entry{}, false
}
