package runner

import (
	"fmt"
	"slices"
)

// State is a step of the per-test lifecycle.
type State int

const (
	StatePending State = iota
	StateSetup
	StateRunning
	StateRetrying
	StatePassed
	StateFailed
	StateTimedOut
	StateTeardown
	StateDone
)

var stateNames = map[State]string{
	StatePending:  "pending",
	StateSetup:    "setup",
	StateRunning:  "running",
	StateRetrying: "retrying",
	StatePassed:   "passed",
	StateFailed:   "failed",
	StateTimedOut: "timed_out",
	StateTeardown: "teardown",
	StateDone:     "done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal successors of each state. Every path that
// leaves Setup passes through Teardown, which is what guarantees after_each
// and fixture release run exactly once.
var transitions = map[State][]State{
	StatePending:  {StateSetup},
	StateSetup:    {StateRunning, StateTeardown},
	StateRunning:  {StatePassed, StateFailed, StateTimedOut, StateTeardown},
	StateFailed:   {StateRetrying, StateTeardown},
	StateTimedOut: {StateRetrying, StateTeardown},
	StateRetrying: {StateRunning, StateTeardown},
	StatePassed:   {StateTeardown},
	StateTeardown: {StateDone},
}

// TransitionFunc observes state changes of a single test.
type TransitionFunc func(test string, from, to State)

type machine struct {
	test     string
	state    State
	observer TransitionFunc
}

func newMachine(test string, observer TransitionFunc) *machine {
	return &machine{test: test, state: StatePending, observer: observer}
}

// to moves the machine to next. An illegal transition is a bug in the runner.
func (m *machine) to(next State) {
	if !slices.Contains(transitions[m.state], next) {
		panic(fmt.Sprintf("test %s: illegal transition %s -> %s", m.test, m.state, next))
	}
	prev := m.state
	m.state = next
	if m.observer != nil {
		m.observer(m.test, prev, next)
	}
}
