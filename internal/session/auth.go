package session

import (
	"github.com/amlith/wisp/internal/diag"
	"github.com/amlith/wisp/internal/element"
	log "github.com/sirupsen/logrus"
)

// Authenticating drives the multi-round authentication negotiation. On
// entry and on each inbound element it calls the mechanism's step function
// and acts on the outcome; the mechanism's content is opaque to it.
type Authenticating struct {
	mech Mechanism
}

func (*Authenticating) Name() string { return "authenticating" }

func (s *Authenticating) Execute(m *Machine, el *element.Element) {
	result, err := s.mech.Step(el)
	if err != nil {
		m.sink.Report("session", diag.KindAuth, "mechanism "+s.mech.Name()+": "+err.Error(), false)
		return
	}
	switch result.Outcome {
	case Success:
		m.setAuthenticated()
		log.Infof("authenticated via %v", s.mech.Name())
		// restart the stream in the new state without waiting for
		// another inbound element
		m.transitionAndRun(&Binding{})
	case Failure:
		// the state is deliberately left unchanged and nothing further
		// is sent; whether to close or retry is the caller's decision
		m.sink.Report("session", diag.KindAuth, "authentication rejected by peer", false)
	default:
		m.conn.Write(result.Payload)
	}
}
