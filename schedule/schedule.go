// Package schedule implements C7: the single-threaded, cooperative
// ScheduleQueue that every timed event in this module — SSDP replies,
// periodic Alive bursts, byebye sequences, subscription renewals, and
// one-shot callbacks — passes through. There is no teacher file that
// implements a dedicated timer queue (navidrome's dlna code uses
// time.Ticker/time.Sleep goroutines directly for its one fixed 30-minute
// announce interval); this package generalizes that into a single
// insertion-ordered queue so the facade can run one loop instead of N
// goroutines, per spec.md §4.7/§5.
package schedule

import (
	"errors"
	"sync"

	"github.com/dlnakit/dlnakit/clock"
	"github.com/dlnakit/dlnakit/dlnaerr"
)

var errQueueFull = errors.New("schedule queue at capacity")

// Kind tags a Schedule for logging/introspection. The queue's dispatch
// logic does not switch on Kind — each Schedule carries its own Process
// closure — but callers building diagnostics or tests want to know what
// shape of event they are looking at.
type Kind int

const (
	KindMSearch Kind = iota
	KindMSearchReply
	KindMSearchReplyCP
	KindNotifyReplyCP
	KindAlive
	KindByeBye
	KindSubscribe
	KindCallback
)

func (k Kind) String() string {
	switch k {
	case KindMSearch:
		return "MSearch"
	case KindMSearchReply:
		return "MSearchReply"
	case KindMSearchReplyCP:
		return "MSearchReplyCP"
	case KindNotifyReplyCP:
		return "NotifyReplyCP"
	case KindAlive:
		return "Alive"
	case KindByeBye:
		return "ByeBye"
	case KindSubscribe:
		return "Subscribe"
	case KindCallback:
		return "Callback"
	default:
		return "Unknown"
	}
}

// Schedule is one pending timed event. Process performs the side effect
// (e.g. sending a UDP datagram or invoking a callback); Valid, if set, is
// consulted once before the entry is admitted to the queue — an invalid
// entry (e.g. an MSearchReply for a service type this device does not
// serve) is dropped silently, matching spec.md's "dropped without emission
// and without allocation leak".
type Schedule struct {
	Kind     Kind
	FireAtMS int64
	RepeatMS int64 // 0 = one-shot
	EndAtMS  int64 // 0 = no end
	Active   bool

	Process func() error
	Valid   func() bool

	seq uint64 // insertion order, used only for diagnostics/tests
}

// Queue owns all pending Schedules. It is not safe to call Tick
// concurrently with itself, matching the single-threaded cooperative model
// of spec.md §5; Enqueue may be called from within a Process callback (the
// entry is appended but, per spec, will not fire in the same Tick that
// added it).
type Queue struct {
	clock    clock.Clock
	capacity int

	mu      sync.Mutex
	entries []*Schedule
	nextSeq uint64
}

func NewQueue(c clock.Clock, capacity int) *Queue {
	return &Queue{clock: c, capacity: capacity}
}

// Enqueue admits s if it passes its own Valid check and the queue has
// spare capacity. Returns a *dlnaerr.Error (KindState) if the queue is
// full; the caller decides whether that is fatal.
func (q *Queue) Enqueue(s *Schedule) error {
	if s.Valid != nil && !s.Valid() {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.entries) >= q.capacity {
		return dlnaerr.State("schedule.Queue.Enqueue", errQueueFull)
	}

	s.Active = true
	s.seq = q.nextSeq
	q.nextSeq++
	q.entries = append(q.entries, s)
	return nil
}

// Len reports the number of entries currently held (active and pending
// cleanup); mainly useful for tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Tick performs exactly one dispatch pass: it snapshots which entries are
// currently due, fires each once in insertion order, advances repeating
// entries' next fire time or marks one-shots inactive, then compacts the
// queue by removing inactive entries. Entries enqueued by a Process
// callback during this call are appended to q.entries but are excluded
// from the snapshot, so they cannot fire within the same Tick — this
// bounds the work done per tick per spec.md §4.7's rationale.
func (q *Queue) Tick() []error {
	now := q.clock.NowMS()

	q.mu.Lock()
	due := make([]*Schedule, 0, len(q.entries))
	for _, s := range q.entries {
		if s.Active && s.FireAtMS <= now {
			due = append(due, s)
		}
	}
	q.mu.Unlock()

	var errs []error
	for _, s := range due {
		if s.Process != nil {
			if err := s.Process(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.RepeatMS > 0 && (s.EndAtMS == 0 || s.EndAtMS > now) {
			s.FireAtMS = now + s.RepeatMS
		} else {
			s.Active = false
		}
	}

	q.mu.Lock()
	kept := q.entries[:0]
	for _, s := range q.entries {
		if s.Active {
			kept = append(kept, s)
		}
	}
	q.entries = kept
	q.mu.Unlock()

	return errs
}

// Cancel deactivates every entry of the given Kind, e.g. stopping the
// repeating Alive schedule before a ByeBye sequence is enqueued.
func (q *Queue) Cancel(kind Kind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.entries {
		if s.Kind == kind {
			s.Active = false
		}
	}
}
