// Package fsm provides a small, table-driven finite state machine.
//
// An Fsm is an immutable definition; NewInstance creates a thread-safe instance tracking the current node.
package fsm

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrUnknownNode   = errors.New("fsm: unknown node")
	ErrNoTransition  = errors.New("fsm: no transition")
	ErrInvalidConfig = errors.New("fsm: invalid definition")
)

// Fsm is a read-only FSM definition
type Fsm struct {
	Initial     interface{}
	Transitions map[interface{}][]Transition
}

type Transition struct {
	Event interface{}
	Src   interface{}
	Dst   interface{}
}

func New(initial interface{}, transitions []Transition) *Fsm {
	nodeTransitions := map[interface{}][]Transition{}
	for _, t := range transitions {
		for _, existing := range nodeTransitions[t.Src] {
			if existing.Event == t.Event {
				panic(errors.Wrapf(ErrInvalidConfig, "duplicate event %v from %v", t.Event, t.Src))
			}
		}
		nodeTransitions[t.Src] = append(nodeTransitions[t.Src], t)

		if _, ok := nodeTransitions[t.Dst]; !ok {
			nodeTransitions[t.Dst] = []Transition{}
		}
	}

	f := &Fsm{
		Initial:     initial,
		Transitions: nodeTransitions,
	}

	if !f.NodeExists(initial) {
		panic(errors.Wrapf(ErrInvalidConfig, "initial node %v does not exist", initial))
	}

	return f
}

func (f *Fsm) NodeExists(i interface{}) bool {
	_, ok := f.Transitions[i]
	return ok
}

func (f *Fsm) GetTransition(src, dst interface{}) *Transition {
	for _, t := range f.Transitions[src] {
		if t.Dst == dst {
			return &t
		}
	}
	return nil
}

func (f *Fsm) NewInstance(overrideInitial ...interface{}) *Instance {
	initial := f.Initial
	if len(overrideInitial) > 0 {
		initial = overrideInitial[0]
	}

	return &Instance{
		Fsm:     f,
		current: initial,
	}
}

type Instance struct {
	*Fsm
	mx      sync.RWMutex
	current interface{}
}

func (f *Instance) CanTransitionTo(node interface{}) bool {
	f.mx.RLock()
	defer f.mx.RUnlock()
	return f.canTransitionTo(node)
}

func (f *Instance) canTransitionTo(node interface{}) bool {
	if !f.Fsm.NodeExists(node) {
		return false
	}
	for _, t := range f.Fsm.Transitions[f.current] {
		if t.Dst == node {
			return true
		}
	}
	return false
}

func (f *Instance) TransitionTo(node interface{}) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if !f.Fsm.NodeExists(node) {
		return errors.Wrapf(ErrUnknownNode, "%v", node)
	}
	if !f.canTransitionTo(node) {
		return errors.Wrapf(ErrNoTransition, "%v -> %v", f.current, node)
	}
	f.current = node
	return nil
}

// Evaluate applies the transition matching input from the current node. An input without a matching transition
// leaves the instance untouched and returns ErrNoTransition.
func (f *Instance) Evaluate(input interface{}) error {
	f.mx.Lock()
	defer f.mx.Unlock()

	for _, t := range f.Transitions[f.current] {
		if t.Event == input {
			f.current = t.Dst
			return nil
		}
	}
	return errors.Wrap(ErrNoTransition, fmt.Sprintf("event %v in %v", input, f.current))
}

func (f *Instance) Current() interface{} {
	f.mx.RLock()
	defer f.mx.RUnlock()
	return f.current
}
