package stream

import (
	"sync"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
)

// tailRing is the fixed-size in-memory ring of the most recently
// received records for one stream (spec §3.3). Default size resolved
// to 4096 (DESIGN.md Open Question).
type tailRing struct {
	mu   sync.RWMutex
	buf  []tick.Record
	next int
	full bool
}

func newTailRing(size int) *tailRing {
	if size <= 0 {
		size = 4096
	}
	return &tailRing{buf: make([]tick.Record, size)}
}

func (r *tailRing) add(rec tick.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// since returns every buffered record with EventTsUS strictly greater
// than afterUS, in chronological order (used by C3 step 4's tail
// drain, and by S1's buffer+live join).
func (r *tailRing) since(afterUS int64) []tick.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.buf)
	if !r.full && r.next == 0 {
		return nil
	}

	var ordered []tick.Record
	if r.full {
		ordered = make([]tick.Record, 0, n)
		for i := 0; i < n; i++ {
			ordered = append(ordered, r.buf[(r.next+i)%n])
		}
	} else {
		ordered = append(ordered, r.buf[:r.next]...)
	}

	out := ordered[:0:0]
	for _, rec := range ordered {
		if rec.EventTsUS > afterUS {
			out = append(out, rec)
		}
	}
	return out
}
