package hub

import (
	"sync"

	"github.com/nerrad567/printbridge/internal/device"
)

// Subscription is one listener's view of the change-set stream.
type Subscription struct {
	hub *Hub

	mu     sync.Mutex
	queue  []device.ChangeSet
	resync bool

	wake       chan struct{}
	out        chan device.ChangeSet
	done       chan struct{}
	cancelOnce sync.Once
}

// C returns the change-set channel. It is closed after Cancel.
func (s *Subscription) C() <-chan device.ChangeSet {
	return s.out
}

// Cancel ends the subscription. It is idempotent.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

// enqueue appends cs, or drops the backlog and flags a resync when the queue
// is full. It reports whether an overflow happened.
func (s *Subscription) enqueue(cs device.ChangeSet, limit int) bool {
	s.mu.Lock()
	overflow := false
	switch {
	case s.resync && len(s.queue) >= limit:
		// A resync is already pending; the snapshot will cover this one.
		s.queue = s.queue[:0]
	case len(s.queue) >= limit:
		s.queue = nil
		s.resync = true
		overflow = true
	default:
		s.queue = append(s.queue, cs)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return overflow
}

// next pops the next deliverable change-set. A pending resync comes first
// and raises the revision floor below which queued entries are stale.
func (s *Subscription) next(floor uint64) (device.ChangeSet, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resync {
		s.resync = false
		snap := s.hub.source.Snapshot()
		s.hub.resyncs.Add(1)
		return device.FullChangeSet(snap), snap.Revision, true
	}

	for len(s.queue) > 0 {
		cs := s.queue[0]
		s.queue = s.queue[1:]
		if floor > 0 && cs.Revision <= floor {
			continue
		}
		return cs, floor, true
	}
	return device.ChangeSet{}, floor, false
}

func (s *Subscription) pump() {
	defer close(s.out)

	var floor uint64
	for {
		cs, nextFloor, ok := s.next(floor)
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		floor = nextFloor

		select {
		case s.out <- cs:
			s.hub.delivered.Add(1)
		case <-s.done:
			return
		}
	}
}
