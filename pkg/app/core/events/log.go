package events

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Subscription.Next after Close
var ErrClosed = errors.New("subscription closed")

// Log is an append-only, in-memory event log. Sequence numbers start at 1.
// Appends come from the engine under its lock; readers may run concurrently.
type Log struct {
	mu      sync.RWMutex
	entries []Event
	wake    chan struct{} // closed and replaced on every append
}

// NewLog creates an empty log
func NewLog() *Log {
	return &Log{wake: make(chan struct{})}
}

// NextSeq returns the sequence number the next Append will assign
func (l *Log) NextSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries)) + 1
}

// Append assigns the next sequence number and wakes subscribers
func (l *Log) Append(ev Event) Event {
	l.mu.Lock()
	ev.Seq = uint64(len(l.entries)) + 1
	l.entries = append(l.entries, ev)
	wake := l.wake
	l.wake = make(chan struct{})
	l.mu.Unlock()

	close(wake)
	return ev
}

// Load restores persisted events. They must be contiguous from Seq 1.
func (l *Log) Load(evs []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range evs {
		if ev.Seq != uint64(len(l.entries))+1 {
			return errors.New("event log has a gap")
		}
		l.entries = append(l.entries, ev)
	}
	return nil
}

// Len returns the number of events
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Since returns events with Seq > seq, in order
func (l *Log) Since(seq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]Event, len(l.entries)-int(seq))
	copy(out, l.entries[seq:])
	return out
}

// next returns the event after cursor, or a channel closed on the next append
func (l *Log) next(cursor uint64) (Event, bool, <-chan struct{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cursor < uint64(len(l.entries)) {
		return l.entries[cursor], true, nil
	}
	return Event{}, false, l.wake
}

// Subscription reads the log in commit order from a cursor. It never drops
// events; a slow reader just falls behind.
type Subscription struct {
	log    *Log
	cursor uint64
	done   chan struct{}
	once   sync.Once
}

// Subscribe returns a subscription delivering events with Seq > from.
// Pass 0 to replay the whole log.
func (l *Log) Subscribe(from uint64) *Subscription {
	return &Subscription{log: l, cursor: from, done: make(chan struct{})}
}

// Next blocks until the next event, ctx is done, or Close is called
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		ev, ok, wake := s.log.next(s.cursor)
		if ok {
			s.cursor = ev.Seq
			return ev, nil
		}
		select {
		case <-wake:
		case <-s.done:
			return Event{}, ErrClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Cursor returns the Seq of the last delivered event
func (s *Subscription) Cursor() uint64 {
	return s.cursor
}

// Close unblocks Next
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}
