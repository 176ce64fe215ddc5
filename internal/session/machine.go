// Package session drives the connection lifecycle. A Machine owns the
// single current state and dispatches every parsed element to it; state
// handlers may write to the transport, replace the current state, or both.
package session

import (
	"sync/atomic"

	"github.com/amlith/wisp/internal/diag"
	"github.com/amlith/wisp/internal/element"
	log "github.com/sirupsen/logrus"
)

// Conn is the transport surface visible to state handlers.
type Conn interface {
	Write(text string)
	StartSecure() error
	StartCompression(algorithm string) error
	Close() error
}

type Config struct {
	// Domain is the service domain named in the stream header
	Domain string
	// Resource requested at bind time; empty lets the peer assign one
	Resource string
	// Mechanism steps the authentication negotiation
	Mechanism Mechanism
	// RequestCompression asks for zlib stream compression when offered
	RequestCompression bool
	// DisableTLS skips the encrypted-layer negotiation even when offered.
	// Test use only; the secure upgrade itself never downgrades.
	DisableTLS bool
}

// Machine holds the one current session state. All Execute calls arrive
// from the serialized receive-processing chain (plus the connect success
// path, which runs before the first read), so the state needs no lock.
type Machine struct {
	conf Config
	conn Conn
	sink diag.Sink

	current State

	// observer fields, readable from outside the receive chain (e.g. the
	// status API)
	authenticated uint32
	boundJID      atomic.Value
	stateName     atomic.Value
}

// State is one lifecycle state. Execute receives the next parsed element,
// or nil when the state is (re-)entered without one.
type State interface {
	Name() string
	Execute(m *Machine, el *element.Element)
}

func NewMachine(sink diag.Sink, conf Config) *Machine {
	if sink == nil {
		sink = diag.Log
	}
	m := &Machine{
		conf: conf,
		sink: sink,
	}
	m.setCurrent(&Disconnected{})
	return m
}

// Attach wires the transport. It must be called before Begin.
func (m *Machine) Attach(conn Conn) { m.conn = conn }

// Begin enters the initial connected state and immediately re-enters
// execution so the stream-open handshake is sent without waiting for an
// inbound element.
func (m *Machine) Begin() {
	m.transitionAndRun(&Negotiating{})
}

// Execute forwards el to the current state's handler.
func (m *Machine) Execute(el *element.Element) {
	m.current.Execute(m, el)
}

// Terminated reports whether the machine reached its terminal state.
func (m *Machine) Terminated() bool {
	_, closed := m.current.(*Closed)
	return closed
}

func (m *Machine) Authenticated() bool { return atomic.LoadUint32(&m.authenticated) == 1 }

func (m *Machine) setAuthenticated() { atomic.StoreUint32(&m.authenticated, 1) }

// JID returns the address the peer bound this session to, when bound.
func (m *Machine) JID() string {
	if jid, ok := m.boundJID.Load().(string); ok {
		return jid
	}
	return ""
}

func (m *Machine) setJID(jid string) { m.boundJID.Store(jid) }

// StateName is safe to call from outside the receive chain.
func (m *Machine) StateName() string {
	return m.stateName.Load().(string)
}

func (m *Machine) setCurrent(s State) {
	m.current = s
	m.stateName.Store(s.Name())
}

// transition replaces the current state.
func (m *Machine) transition(s State) {
	log.Debugf("session state %v -> %v", m.current.Name(), s.Name())
	m.setCurrent(s)
}

// transitionAndRun replaces the current state and immediately re-enters
// execution with no element, for states with introductory behaviour.
func (m *Machine) transitionAndRun(s State) {
	m.transition(s)
	m.Execute(nil)
}
