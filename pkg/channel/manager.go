// Package channel manages the connection between a runtime and the control plane.
//
// A Manager hands out the current Channel, dialing a new one when there is none, and keeps track of superseded
// channels that are still closing. All lifecycle decisions are made by a pure state machine (see machine.go); the
// Manager executes the resulting effects outside of its lock. The Manager never retries: failures are surfaced as
// ErrConnectionLost and retry policy is left to the caller.
package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultDialTimeout = 5 * time.Second
)

var (
	ErrShutdown        = errors.New("channel: manager is shut down")
	ErrShutdownTimeout = errors.New("channel: shutdown deadline exceeded")

	log = logrus.WithField("component", "channel")

	connectionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runtime",
		Subsystem: "channel",
		Name:      "connections_opened_total",
		Help:      "Count of connections established to the control plane.",
	})

	connectionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runtime",
		Subsystem: "channel",
		Name:      "connections_closed_total",
		Help:      "Count of connections to the control plane that completed their close.",
	})

	connectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runtime",
		Subsystem: "channel",
		Name:      "connect_failures_total",
		Help:      "Count of failed attempts to connect to the control plane.",
	})
)

func init() {
	prometheus.MustRegister(connectionsOpened, connectionsClosed, connectFailures)
}

// DialFunc establishes a network connection, see net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Option func(m *Manager)

// WithDialer replaces the default TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// Manager owns the connections of one runtime slot. It is safe for concurrent use, although a slot normally only
// issues one request at a time.
type Manager struct {
	addr string
	dial DialFunc

	mu       sync.Mutex
	machine  *machine
	channels map[uint64]*Channel
	// connecting is closed when the pending dial completes.
	connecting chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
}

func NewManager(addr string, opts ...Option) *Manager {
	dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}
	m := &Manager{
		addr:     addr,
		dial:     dialer.DialContext,
		machine:  newMachine(),
		channels: map[uint64]*Channel{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Addr returns the control-plane address the manager connects to.
func (m *Manager) Addr() string {
	return m.addr
}

// Current returns the current channel, connecting when there is none or when the current one is closing.
//
// A failed dial is returned as ErrConnectionLost; it is not retried.
func (m *Manager) Current(ctx context.Context) (*Channel, error) {
	for {
		m.mu.Lock()
		eff := m.machine.apply(evAcquire{})
		switch eff.kind {
		case effUse:
			ch := m.channels[eff.gen]
			m.mu.Unlock()
			return ch, nil
		case effDial:
			if eff.demoted != 0 {
				log.WithField("generation", eff.demoted).Debug("Connection demoted to closing set.")
			}
			connecting := make(chan struct{})
			m.connecting = connecting
			m.mu.Unlock()
			return m.connect(ctx, eff.gen, connecting)
		case effWait:
			connecting := m.connecting
			m.mu.Unlock()
			select {
			case <-connecting:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case effRefuse:
			m.mu.Unlock()
			return nil, ErrShutdown
		default:
			m.mu.Unlock()
			panic(errors.Errorf("channel: unexpected effect %v on acquire", eff.kind))
		}
	}
}

func (m *Manager) connect(ctx context.Context, gen uint64, connecting chan struct{}) (*Channel, error) {
	ctxLog := log.WithFields(logrus.Fields{
		"generation": gen,
		"addr":       m.addr,
	})
	ctxLog.Debug("Connecting to control plane.")
	conn, err := m.dial(ctx, "tcp", m.addr)

	m.mu.Lock()
	defer close(connecting)
	if err != nil {
		connectFailures.Inc()
		eff := m.machine.apply(evConnectFailed{gen})
		m.mu.Unlock()
		m.execute(eff)
		ctxLog.Warnf("Failed to connect to control plane: %v", err)
		return nil, errors.Wrapf(ErrConnectionLost, "connect %s: %v", m.addr, err)
	}

	ch := newChannel(gen, conn, m.closeRequested)
	m.channels[gen] = ch
	eff := m.machine.apply(evConnected{gen})
	m.mu.Unlock()
	connectionsOpened.Inc()
	go m.watch(ch)

	switch eff.kind {
	case effReady:
		ctxLog.Debug("Connected to control plane.")
		return ch, nil
	case effClose:
		ch.Close()
		return nil, ErrShutdown
	default:
		panic(errors.Errorf("channel: unexpected effect %v on connect", eff.kind))
	}
}

func (m *Manager) closeRequested(gen uint64) {
	m.mu.Lock()
	eff := m.machine.apply(evCloseRequested{gen})
	m.mu.Unlock()
	log.WithField("generation", gen).Debug("Control plane requested connection close.")
	m.execute(eff)
}

// watch waits for the close future of ch and feeds its completion to the state machine.
func (m *Manager) watch(ch *Channel) {
	<-ch.Closed()
	connectionsClosed.Inc()

	m.mu.Lock()
	delete(m.channels, ch.Generation())
	eff := m.machine.apply(evCloseCompleted{ch.Generation()})
	m.mu.Unlock()
	log.WithField("generation", ch.Generation()).Debug("Connection closed.")
	m.execute(eff)
}

func (m *Manager) execute(eff effect) {
	switch eff.kind {
	case effNone, effFailed:
	case effClose:
		m.mu.Lock()
		ch := m.channels[eff.gen]
		m.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
	case effShutdownComplete:
		m.doneOnce.Do(func() {
			close(m.done)
		})
	default:
		panic(errors.Errorf("channel: unexpected effect %v", eff.kind))
	}
}

// Lookup returns the channel of generation gen if it is still the current, usable channel.
func (m *Manager) Lookup(gen uint64) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine.state != stateConnected || m.machine.current != gen {
		return nil, false
	}
	ch, ok := m.channels[gen]
	return ch, ok
}

// Generation returns the generation designated current, which may still be connecting, or 0 if there is none.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.current
}

// Closing returns the generations of superseded connections that have not finished closing.
func (m *Manager) Closing() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.closingGenerations()
}

// Shutdown closes the current connection and waits for it and all superseded connections to finish closing. It
// returns ErrShutdownTimeout if that did not happen before ctx is done. New requests for a connection are refused
// from the moment Shutdown is called.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	eff := m.machine.apply(evShutdown{})
	var remaining []*Channel
	for _, ch := range m.channels {
		remaining = append(remaining, ch)
	}
	m.mu.Unlock()

	if eff.kind == effShutdownComplete {
		m.execute(eff)
	}
	// Closes run asynchronously so that a slow close cannot extend the shutdown beyond ctx. Superseded connections
	// are normally closing already; closing them again is harmless.
	for _, ch := range remaining {
		go ch.Close()
	}

	select {
	case <-m.done:
		log.WithField("addr", m.addr).Debug("Connection manager shut down.")
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ErrShutdownTimeout, "%d connection(s) still closing", len(m.Closing())+m.open())
	}
}

func (m *Manager) open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine.current != 0 {
		return 1
	}
	return 0
}

func (k effectKind) String() string {
	switch k {
	case effNone:
		return "none"
	case effUse:
		return "use"
	case effDial:
		return "dial"
	case effWait:
		return "wait"
	case effRefuse:
		return "refuse"
	case effReady:
		return "ready"
	case effFailed:
		return "failed"
	case effClose:
		return "close"
	case effShutdownComplete:
		return "shutdownComplete"
	default:
		return "unknown"
	}
}
