package daemon

import (
	"sync"

	"github.com/mkondo/graphflow/internal/events"
)

// recentEvents keeps a bounded ring of the latest terminal pipeline events
// so the status command can report them without reading the log file.
type recentEvents struct {
	mu  sync.Mutex
	buf []events.Record
	max int
}

func newRecentEvents(max int) *recentEvents {
	if max <= 0 {
		max = 20
	}
	return &recentEvents{max: max}
}

func (r *recentEvents) add(rec events.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, rec)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
}

// list returns the retained records, oldest first.
func (r *recentEvents) list() []events.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Record, len(r.buf))
	copy(out, r.buf)
	return out
}
