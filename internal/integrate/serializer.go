// Package integrate merges completed leaf commits into the plan's
// target branch (reverse integration). All target-branch merges in the
// process funnel through one Serializer: the repository has a single
// index lock, and two merges reading the same target tip would race
// the ref update.
package integrate

import "context"

// Serializer is a channel-based mutex for reverse integration. The
// release is armed before the critical section runs and fired in a
// defer, so a panic inside one merge never deadlocks the next.
type Serializer struct {
	slot chan struct{}
}

// NewSerializer returns an unlocked serializer.
func NewSerializer() *Serializer {
	s := &Serializer{slot: make(chan struct{}, 1)}
	s.slot <- struct{}{}
	return s
}

// Do runs fn while holding the mutex. It returns ctx's error if the
// context is canceled before the mutex is acquired.
func (s *Serializer) Do(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.slot:
	}
	defer func() { s.slot <- struct{}{} }()
	return fn()
}
