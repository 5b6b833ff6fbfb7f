// Package russula implements the peer coordination protocol used to stage
// distributed netbench runs. A Coordinator drives one or more remote Workers
// through an ordered sequence of lifecycle states over plain TCP. Workers
// execute the side effects attached to each state, notably supervising the
// benchmark driver process, and report their current state on request.
package russula

import (
	"fmt"
)

// Step describes how a state is entered. Peer driven states require an
// explicit Transition message from the other role, self driven states are
// entered by their holder once the local precondition holds.
type Step uint8

const (
	StepSelfDriven Step = iota
	StepPeerDriven
)

// State is one entry in a protocol sequence. The index defines the total
// order used for the "already past" test, so comparing states from different
// sequences is meaningless.
type State struct {
	tag   string
	index int
	step  Step
	last  bool
}

// FailedTag is reported by a Worker whose benchmark process could not be
// spawned or exited abnormally. It is not part of any ordered sequence, the
// Coordinator treats it as a fatal, distinguished failure.
const FailedTag = "Failed"

func (s State) Tag() string { return s.tag }

func (s State) Index() int { return s.index }

func (s State) Step() Step { return s.step }

// Terminal reports whether this is the final state of its sequence.
func (s State) Terminal() bool { return s.last }

// AtOrPast is the barrier test: the holder is at or past target when its
// sequence index is at least the target index.
func (s State) AtOrPast(target State) bool { return s.index >= target.index }

func (s State) String() string { return s.tag }

// StateSpec declares one state when building a Sequence.
type StateSpec struct {
	Tag  string
	Step Step
}

// Sequence is the fixed, totally ordered set of states of one Role in one
// protocol instance. The first state is the initial state and the final
// state is terminal.
type Sequence struct {
	name   string
	states []State
	byTag  map[string]int
}

// NewSequence builds a sequence from ordered state specs. Sequence
// definitions are static program data, so malformed ones are programmer
// errors and panic.
func NewSequence(name string, specs []StateSpec) Sequence {
	if len(specs) < 2 {
		panic(fmt.Sprintf("sequence %s needs at least two states", name))
	}

	states := make([]State, len(specs))
	byTag := make(map[string]int, len(specs))

	for i, spec := range specs {
		if spec.Tag == "" || spec.Tag == FailedTag {
			panic(fmt.Sprintf("sequence %s: reserved or empty state tag %q", name, spec.Tag))
		}
		if _, dup := byTag[spec.Tag]; dup {
			panic(fmt.Sprintf("sequence %s: duplicate state tag %q", name, spec.Tag))
		}

		states[i] = State{
			tag:   spec.Tag,
			index: i,
			step:  spec.Step,
			last:  i == len(specs)-1,
		}
		byTag[spec.Tag] = i
	}

	return Sequence{name: name, states: states, byTag: byTag}
}

func (q Sequence) Name() string { return q.name }

func (q Sequence) Len() int { return len(q.states) }

// First returns the initial state of the sequence.
func (q Sequence) First() State { return q.states[0] }

// Last returns the terminal state of the sequence.
func (q Sequence) Last() State { return q.states[len(q.states)-1] }

// Lookup resolves a state tag received from the network. An unknown tag is a
// protocol violation: either a version mismatch or a misbehaving peer.
func (q Sequence) Lookup(tag string) (State, error) {
	i, ok := q.byTag[tag]
	if !ok {
		return State{}, &ProtocolViolationError{
			Detail: fmt.Sprintf("unknown state tag %q for sequence %s", tag, q.name),
		}
	}

	return q.states[i], nil
}

// Next returns the state following s. The terminal state is its own
// successor, which makes re-applied transitions at the end of a run no-ops.
func (q Sequence) Next(s State) State {
	if s.last {
		return s
	}

	return q.states[s.index+1]
}

// NextPeerDriven returns the first peer driven state after from, up to and
// including upTo. The Coordinator uses this to decide whether reaching a
// barrier requires sending a Transition command or merely re-polling.
func (q Sequence) NextPeerDriven(from, upTo State) (State, bool) {
	for i := from.index + 1; i <= upTo.index && i < len(q.states); i++ {
		if q.states[i].step == StepPeerDriven {
			return q.states[i], true
		}
	}

	return State{}, false
}
