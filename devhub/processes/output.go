package processes

import (
	"bytes"
	"sync"
)

// readyWatcher inspects at most budget bytes of a worker's stdout for the
// ready marker. Exactly one of ready or exhausted is closed, at most once.
type readyWatcher struct {
	mu        sync.Mutex
	marker    []byte
	budget    int
	seen      []byte
	done      bool
	ready     chan struct{}
	exhausted chan struct{}
}

func newReadyWatcher(marker string, budget int) *readyWatcher {
	return &readyWatcher{
		marker:    []byte(marker),
		budget:    budget,
		seen:      make([]byte, 0, budget),
		ready:     make(chan struct{}),
		exhausted: make(chan struct{}),
	}
}

func (r *readyWatcher) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return len(p), nil
	}

	room := r.budget - len(r.seen)
	if room > len(p) {
		room = len(p)
	}
	r.seen = append(r.seen, p[:room]...)

	switch {
	case bytes.Contains(r.seen, r.marker):
		r.done = true
		close(r.ready)
	case len(r.seen) >= r.budget:
		r.done = true
		close(r.exhausted)
	}
	return len(p), nil
}

// lineWriter calls emit once per complete line written to it.
type lineWriter struct {
	mu      sync.Mutex
	partial []byte
	emit    func(line string)
}

func newLineWriter(emit func(line string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.partial[:i], "\r"))
		w.partial = w.partial[i+1:]
		if line != "" {
			w.emit(line)
		}
	}
	return len(p), nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
