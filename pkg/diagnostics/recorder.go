package diagnostics

import "sync"

// Record is a single captured diagnostic event.
type Record struct {
	Event string
	Props Properties
}

// Recorder keeps every event in memory. Useful for hosts that batch events
// and for tests.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

var _ Sink = (*Recorder)(nil)

func (r *Recorder) Log(event string, props Properties) {
	cp := make(Properties, len(props))
	for k, v := range props {
		cp[k] = v
	}
	r.mu.Lock()
	r.records = append(r.records, Record{Event: event, Props: cp})
	r.mu.Unlock()
}

// Records returns a copy of everything logged so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Named returns the records for one event name.
func (r *Recorder) Named(event string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Event == event {
			out = append(out, rec)
		}
	}
	return out
}
