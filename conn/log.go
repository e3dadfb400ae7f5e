package conn

import "iter"

// Log is an immutable list of actions, most recent first. A nil *Log is the
// empty log. Push shares the receiver as the tail, so branches of a chain can
// extend the same prefix independently.
type Log struct {
	head Action
	tail *Log
	n    int
}

// Len returns the number of recorded actions in O(1).
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	return l.n
}

// Push returns a new log with a prepended. The receiver is unchanged.
func (l *Log) Push(a Action) *Log {
	return &Log{head: a, tail: l, n: l.Len() + 1}
}

// Last returns the most recently recorded action.
func (l *Log) Last() (Action, bool) {
	if l == nil {
		return Action{}, false
	}
	return l.head, true
}

// Actions returns the actions in issuance order.
func (l *Log) Actions() []Action {
	out := make([]Action, l.Len())
	i := len(out) - 1
	for n := l; n != nil; n = n.tail {
		out[i] = n.head
		i--
	}
	return out
}

// All iterates over the actions in issuance order.
func (l *Log) All() iter.Seq2[int, Action] {
	return func(yield func(int, Action) bool) {
		for i, a := range l.Actions() {
			if !yield(i, a) {
				return
			}
		}
	}
}
