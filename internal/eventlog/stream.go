package eventlog

import "sync"

// Stream provides in-memory pub/sub over run log entries so external
// observers can tail a run. Each run keeps a fixed-capacity ring buffer
// for replay after reconnects.
type Stream struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Entry]struct{}
	history     map[string]*ring
	capacity    int
}

// NewStream creates a stream with the given per-run replay capacity.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = 256
	}
	return &Stream{
		subscribers: make(map[string]map[chan Entry]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a run; the caller must drain
// it and call Unsubscribe when done.
func (s *Stream) Subscribe(runID string, buffer int) chan Entry {
	ch := make(chan Entry, buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Entry]struct{})
		s.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (s *Stream) Unsubscribe(runID string, ch chan Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subscribers[runID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(s.subscribers, runID)
		}
	}
}

// Publish sends an entry to all subscribers of its run (non-blocking).
func (s *Stream) Publish(entry Entry) {
	s.mu.Lock()
	rg := s.history[entry.RunID]
	if rg == nil {
		rg = newRing(s.capacity)
		s.history[entry.RunID] = rg
	}
	rg.push(entry)
	subs := s.subscribers[entry.RunID]
	s.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- entry:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Append lets a Stream serve as a Recorder sink.
func (s *Stream) Append(entry Entry) { s.Publish(entry) }

// ReplaySince returns buffered entries with Step > since.
func (s *Stream) ReplaySince(runID string, since int) []Entry {
	s.mu.RLock()
	rg := s.history[runID]
	s.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay buffer for a finished run.
func (s *Stream) Forget(runID string) {
	s.mu.Lock()
	delete(s.history, runID)
	s.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of entries
type ring struct {
	buf   []Entry
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Entry, capacity)} }

func (r *ring) push(e Entry) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(step int) []Entry {
	if r.count == 0 {
		return nil
	}
	out := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Step > step {
			out = append(out, e)
		}
	}
	return out
}
