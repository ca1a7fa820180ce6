// Package window tracks the outstanding-slot table: the set of Requests
// currently admitted into the engine's W-wide flow-control window, each
// tagged with its place in a small state machine. Only the engine
// goroutine touches a Table.
package window

import (
	"time"

	"github.com/samscp/scpengine/internal/queue"
)

// State is a slot's position in its lifecycle, the network analogue of
// ehrlich-b-go-ublk's per-tag TagState: a slot is either idle (no
// request occupies it), armed (a request was sent and is awaiting a
// reply or its timer), or completing (a reply or final timeout has
// arrived and the slot is being retired this tick).
type State uint8

const (
	Idle State = iota
	Armed
	Completing
)

// Slot is one entry in the outstanding table.
type Slot struct {
	State    State
	Seq      uint16
	Request  *queue.Request
	Deadline time.Time
	// TimerGen is bumped every time the slot is (re)armed and returned by
	// Arm. The engine's timeout handling scans Deadline directly and does
	// not consult it.
	TimerGen uint64
}

// Table is the fixed-size array of W slots, indexed by sequence number.
type Table struct {
	slots []Slot
}

// New returns a Table with w idle slots.
func New(w int) *Table {
	return &Table{slots: make([]Slot, w)}
}

func (t *Table) Len() int {
	return len(t.slots)
}

// Arm occupies seq with req, transitioning it to Armed, recording its
// timeout deadline, and bumping its timer generation.
func (t *Table) Arm(seq uint16, req *queue.Request, deadline time.Time) uint64 {
	s := &t.slots[seq]
	s.State = Armed
	s.Seq = seq
	s.Request = req
	s.Deadline = deadline
	s.TimerGen++
	return s.TimerGen
}

// EarliestDeadline returns the soonest Deadline among Armed slots.
func (t *Table) EarliestDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	for i := range t.slots {
		if t.slots[i].State != Armed {
			continue
		}
		if !found || t.slots[i].Deadline.Before(best) {
			best = t.slots[i].Deadline
			found = true
		}
	}
	return best, found
}

// DueSeqs returns the sequence numbers of every Armed slot whose
// Deadline is at or before now.
func (t *Table) DueSeqs(now time.Time) []uint16 {
	var due []uint16
	for i := range t.slots {
		if t.slots[i].State == Armed && !t.slots[i].Deadline.After(now) {
			due = append(due, uint16(i))
		}
	}
	return due
}

// Get returns the slot at seq.
func (t *Table) Get(seq uint16) *Slot {
	if int(seq) >= len(t.slots) {
		return nil
	}
	return &t.slots[seq]
}

// Retire returns a slot to Idle, clearing its request pointer so it
// doesn't pin memory or get mistaken for still-live.
func (t *Table) Retire(seq uint16) {
	s := &t.slots[seq]
	s.State = Idle
	s.Request = nil
}

// MarkCompleting transitions an armed slot to Completing, the brief
// window between "a reply/timeout arrived" and "the driver has finished
// processing it and retired the slot".
func (t *Table) MarkCompleting(seq uint16) {
	t.slots[seq].State = Completing
}

// Occupied reports how many slots are not Idle.
func (t *Table) Occupied() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].State != Idle {
			n++
		}
	}
	return n
}

// Drain returns every non-idle slot's Request and resets the table to
// all-Idle, used on teardown/reconfigure to fail in-window requests with
// FREED.
func (t *Table) Drain() []*queue.Request {
	var reqs []*queue.Request
	for i := range t.slots {
		if t.slots[i].State != Idle && t.slots[i].Request != nil {
			reqs = append(reqs, t.slots[i].Request)
		}
		t.slots[i] = Slot{}
	}
	return reqs
}
