package commandqueue

import "sync"

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// lane holds the waiting tasks of one name. Tasks queued before a reset
// carry an older generation and are rejected instead of started.
type lane struct {
	name string

	mu         sync.Mutex
	generation int
	limit      int
	waiting    []*taskRecord
	running    map[string]struct{}
}

func newLane(name string) *lane {
	return &lane{name: name, limit: 1, running: make(map[string]struct{})}
}

func (l *lane) enqueue(rec *taskRecord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.generation = l.generation
	l.waiting = append(l.waiting, rec)
	return len(l.waiting)
}

// admit removes the tasks that may start now, in FIFO order.
func (l *lane) admit() (start, stale []*taskRecord, depth int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.running) < l.limit && len(l.waiting) > 0 {
		rec := l.waiting[0]
		l.waiting[0] = nil
		l.waiting = l.waiting[1:]
		if rec.generation != l.generation {
			stale = append(stale, rec)
			continue
		}
		l.running[rec.id] = struct{}{}
		start = append(start, rec)
	}
	return start, stale, len(l.waiting)
}

func (l *lane) finish(id string) {
	l.mu.Lock()
	delete(l.running, id)
	l.mu.Unlock()
}

// drain empties the waiting list. With reset the generation moves on too.
func (l *lane) drain(reset bool) ([]*taskRecord, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reset {
		l.generation++
	}
	out := l.waiting
	l.waiting = nil
	return out, l.generation
}

// position is the index of id among waiting tasks, or -1.
func (l *lane) position(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, rec := range l.waiting {
		if rec.id == id {
			return i
		}
	}
	return -1
}

func (l *lane) setLimit(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.limit
	l.limit = n
	return old
}

func (l *lane) stats() LaneStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LaneStats{Queued: len(l.waiting), Running: len(l.running), Concurrency: l.limit}
}
