package channel

import (
	"fmt"
	"sort"
)

// state is the lifecycle state of the manager with respect to its current connection.
type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
	// stateConnectedClosing: the current connection has been asked to close (by the server or locally) but its close
	// has not completed yet. The next acquire demotes it to the closing set.
	stateConnectedClosing
	// stateShuttingDown: shutdown was requested; waiting for the current connection and the closing set to drain.
	stateShuttingDown
	stateShutdown
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateConnectedClosing:
		return "connected(closing)"
	case stateShuttingDown:
		return "shuttingDown"
	case stateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// event is one of the inputs of the machine.
type event interface {
	isEvent()
}

// evAcquire: a caller needs the current connection.
type evAcquire struct{}

// evConnected: the dial of generation gen succeeded.
type evConnected struct{ gen uint64 }

// evConnectFailed: the dial of generation gen failed.
type evConnectFailed struct{ gen uint64 }

// evCloseRequested: the connection of generation gen will close, e.g. the server sent "Connection: close".
type evCloseRequested struct{ gen uint64 }

// evCloseCompleted: the close future of generation gen fired.
type evCloseCompleted struct{ gen uint64 }

// evShutdown: the owner requested a shutdown.
type evShutdown struct{}

func (evAcquire) isEvent()        {}
func (evConnected) isEvent()      {}
func (evConnectFailed) isEvent()  {}
func (evCloseRequested) isEvent() {}
func (evCloseCompleted) isEvent() {}
func (evShutdown) isEvent()       {}

// effectKind tells the manager which side effect to perform after a transition.
type effectKind int

const (
	effNone effectKind = iota
	// effUse: hand out the current connection (gen).
	effUse
	// effDial: dial a new connection for generation gen.
	effDial
	// effWait: another caller is dialing; wait for it and acquire again.
	effWait
	// effRefuse: the manager is shutting down or shut down.
	effRefuse
	// effReady: the dial succeeded and gen is now current.
	effReady
	// effFailed: the dial failed; waiters should acquire again.
	effFailed
	// effClose: close connection gen, it is not wanted anymore.
	effClose
	// effShutdownComplete: nothing is left to close.
	effShutdownComplete
)

type effect struct {
	kind effectKind
	gen  uint64
	// demoted is the generation moved into the closing set by this transition, if any.
	demoted uint64
}

// machine is the pure connection lifecycle state machine. It performs no I/O and is not safe for concurrent use;
// the manager serializes access to it.
//
// Invariants:
//   - current is 0 when no connection is current or being dialed.
//   - the current generation is never a member of closing.
type machine struct {
	state   state
	current uint64
	lastGen uint64
	closing map[uint64]struct{}
}

func newMachine() *machine {
	return &machine{
		state:   stateDisconnected,
		closing: map[uint64]struct{}{},
	}
}

func (m *machine) nextGeneration() uint64 {
	m.lastGen++
	return m.lastGen
}

// apply is the single transition function of the machine.
func (m *machine) apply(ev event) effect {
	switch e := ev.(type) {
	case evAcquire:
		return m.onAcquire()
	case evConnected:
		return m.onConnected(e.gen)
	case evConnectFailed:
		return m.onConnectFailed(e.gen)
	case evCloseRequested:
		return m.onCloseRequested(e.gen)
	case evCloseCompleted:
		return m.onCloseCompleted(e.gen)
	case evShutdown:
		return m.onShutdown()
	default:
		panic(fmt.Sprintf("channel: unknown event %T", ev))
	}
}

func (m *machine) onAcquire() effect {
	switch m.state {
	case stateDisconnected:
		m.state = stateConnecting
		m.current = m.nextGeneration()
		return effect{kind: effDial, gen: m.current}
	case stateConnecting:
		return effect{kind: effWait, gen: m.current}
	case stateConnected:
		return effect{kind: effUse, gen: m.current}
	case stateConnectedClosing:
		// The closing connection is superseded: it becomes an old connection draining in the closing set.
		demoted := m.current
		m.closing[demoted] = struct{}{}
		m.state = stateConnecting
		m.current = m.nextGeneration()
		return effect{kind: effDial, gen: m.current, demoted: demoted}
	case stateShuttingDown, stateShutdown:
		return effect{kind: effRefuse}
	default:
		panic(fmt.Sprintf("channel: acquire in unknown state %v", m.state))
	}
}

func (m *machine) onConnected(gen uint64) effect {
	switch m.state {
	case stateConnecting:
		if gen != m.current {
			return effect{kind: effClose, gen: gen}
		}
		m.state = stateConnected
		return effect{kind: effReady, gen: gen}
	case stateShuttingDown:
		// Shutdown arrived while dialing. The connection stays current until its close completes.
		return effect{kind: effClose, gen: gen}
	case stateDisconnected, stateConnected, stateConnectedClosing, stateShutdown:
		return effect{kind: effClose, gen: gen}
	default:
		panic(fmt.Sprintf("channel: connected in unknown state %v", m.state))
	}
}

func (m *machine) onConnectFailed(gen uint64) effect {
	if gen != m.current {
		return effect{kind: effNone}
	}
	switch m.state {
	case stateConnecting:
		m.state = stateDisconnected
		m.current = 0
		return effect{kind: effFailed, gen: gen}
	case stateShuttingDown:
		m.current = 0
		return m.maybeShutdownComplete()
	case stateDisconnected, stateConnected, stateConnectedClosing, stateShutdown:
		return effect{kind: effNone}
	default:
		panic(fmt.Sprintf("channel: connect failure in unknown state %v", m.state))
	}
}

func (m *machine) onCloseRequested(gen uint64) effect {
	if gen != m.current {
		return effect{kind: effNone}
	}
	switch m.state {
	case stateConnected:
		m.state = stateConnectedClosing
	case stateDisconnected, stateConnecting, stateConnectedClosing, stateShuttingDown, stateShutdown:
	default:
		panic(fmt.Sprintf("channel: close request in unknown state %v", m.state))
	}
	return effect{kind: effNone}
}

// onCloseCompleted first decides whether gen is the current connection. Only a non-current generation is treated
// as an old connection of the closing set; the current one always goes through the state switch, also when it is
// already closing.
func (m *machine) onCloseCompleted(gen uint64) effect {
	if gen != 0 && gen == m.current {
		delete(m.closing, gen)
		switch m.state {
		case stateConnected, stateConnectedClosing:
			m.state = stateDisconnected
			m.current = 0
			return effect{kind: effNone}
		case stateShuttingDown:
			m.current = 0
			return m.maybeShutdownComplete()
		case stateConnecting:
			// A connection that has not been established yet cannot complete a close; the dial result decides.
			return effect{kind: effNone}
		case stateDisconnected, stateShutdown:
			m.current = 0
			return effect{kind: effNone}
		default:
			panic(fmt.Sprintf("channel: close completion in unknown state %v", m.state))
		}
	}

	delete(m.closing, gen)
	if m.state == stateShuttingDown {
		return m.maybeShutdownComplete()
	}
	return effect{kind: effNone}
}

func (m *machine) onShutdown() effect {
	switch m.state {
	case stateDisconnected:
		m.state = stateShuttingDown
		return m.maybeShutdownComplete()
	case stateConnecting:
		m.state = stateShuttingDown
		return effect{kind: effNone}
	case stateConnected, stateConnectedClosing:
		m.state = stateShuttingDown
		return effect{kind: effClose, gen: m.current}
	case stateShuttingDown:
		return effect{kind: effNone}
	case stateShutdown:
		return effect{kind: effShutdownComplete}
	default:
		panic(fmt.Sprintf("channel: shutdown in unknown state %v", m.state))
	}
}

func (m *machine) maybeShutdownComplete() effect {
	if m.current == 0 && len(m.closing) == 0 {
		m.state = stateShutdown
		return effect{kind: effShutdownComplete}
	}
	return effect{kind: effNone}
}

func (m *machine) closingGenerations() []uint64 {
	gens := make([]uint64, 0, len(m.closing))
	for gen := range m.closing {
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens
}
