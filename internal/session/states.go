package session

import (
	"fmt"

	"github.com/amlith/wisp/internal/diag"
	"github.com/amlith/wisp/internal/element"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func streamHeader(domain string) string {
	return fmt.Sprintf("<?xml version='1.0'?><stream:stream to='%s' xmlns='%s' xmlns:stream='%s' version='1.0'>",
		element.Escape(domain), element.NSClient, element.NSStream)
}

// restartHeader omits the XML declaration: restarts continue on the same
// byte channel and a repeated declaration is not valid there.
func restartHeader(domain string) string {
	return fmt.Sprintf("<stream:stream to='%s' xmlns='%s' xmlns:stream='%s' version='1.0'>",
		element.Escape(domain), element.NSClient, element.NSStream)
}

// Disconnected is the state before any connection exists. Elements cannot
// arrive here in normal operation.
type Disconnected struct{}

func (*Disconnected) Name() string { return "disconnected" }

func (*Disconnected) Execute(m *Machine, el *element.Element) {
	if el != nil {
		log.Tracef("discarding %v received while disconnected", el.Name)
	}
}

// Negotiating opens the stream and walks the pre-authentication feature
// negotiation: encrypted layer first, then optional compression, then the
// authentication mechanisms.
type Negotiating struct {
	secured    bool
	compressed bool
	// lastFeatures lets a failed optional negotiation resume from the
	// same feature set
	lastFeatures *element.Element
}

func (*Negotiating) Name() string { return "negotiating" }

func (s *Negotiating) Execute(m *Machine, el *element.Element) {
	switch {
	case el == nil:
		// entry: open (or re-open) the stream
		if !s.secured && !s.compressed {
			m.conn.Write(streamHeader(m.conf.Domain))
		} else {
			m.conn.Write(restartHeader(m.conf.Domain))
		}

	case el.Is(element.NSStream, "stream"):
		log.Debugf("stream open acknowledged, id %v", el.Attr["id"])

	case el.Is(element.NSStream, "features"):
		s.lastFeatures = el
		s.negotiate(m, el)

	case el.Is(element.NSTLS, "proceed"):
		if err := m.conn.StartSecure(); err != nil {
			// fatal: the transport already reported it and refuses
			// further writes
			m.conn.Close()
			m.transition(&Closed{})
			return
		}
		s.secured = true
		// the encrypted channel starts a fresh stream
		m.Execute(nil)

	case el.Is(element.NSTLS, "failure"):
		m.sink.Report("session", diag.KindSecurity, "peer refused to start the encrypted layer", true)
		m.conn.Close()
		m.transition(&Closed{})

	case el.Is(element.NSCompress, "compressed"):
		if err := m.conn.StartCompression("zlib"); err != nil {
			m.sink.Report("session", diag.KindTransport, "enabling compression: "+err.Error(), false)
			return
		}
		s.compressed = true
		// the compressed channel starts a fresh stream
		m.Execute(nil)

	case el.Is(element.NSCompress, "failure"):
		log.Debug("peer rejected compression, continuing without it")
		s.compressed = true // stop asking
		if s.lastFeatures != nil {
			s.negotiate(m, s.lastFeatures)
		}

	case el.Is(element.NSStream, "error"):
		m.sink.Report("session", diag.KindTransport, "stream error from peer: "+el.String(), false)
		m.conn.Close()
		m.transition(&Closed{})

	default:
		log.Tracef("ignoring %v during negotiation", el.Name)
	}
}

func (s *Negotiating) negotiate(m *Machine, features *element.Element) {
	if !s.secured && !m.conf.DisableTLS {
		if features.Child(element.NSTLS, "starttls") != nil {
			m.conn.Write(fmt.Sprintf("<starttls xmlns='%s'/>", element.NSTLS))
			return
		}
	}
	if m.conf.RequestCompression && !s.compressed {
		if offersZlib(features) {
			m.conn.Write(fmt.Sprintf("<compress xmlns='%s'><method>zlib</method></compress>", element.NSCompress))
			return
		}
	}
	if features.Child(element.NSSASL, "mechanisms") != nil {
		if m.conf.Mechanism == nil {
			m.sink.Report("session", diag.KindAuth, "peer requires authentication but no mechanism is configured", true)
			m.conn.Close()
			m.transition(&Closed{})
			return
		}
		m.transitionAndRun(&Authenticating{mech: m.conf.Mechanism})
		return
	}
	log.Debug("no feature left to negotiate before authentication")
}

func offersZlib(features *element.Element) bool {
	comp := features.Child(element.NSCompressFeature, "compression")
	if comp == nil {
		return false
	}
	for _, method := range comp.Children {
		if method.Name == "method" && method.Text == "zlib" {
			return true
		}
	}
	return false
}

// Binding restarts the stream after authentication and binds a resource.
type Binding struct {
	iqID string
}

func (*Binding) Name() string { return "binding" }

func (s *Binding) Execute(m *Machine, el *element.Element) {
	switch {
	case el == nil:
		// entry: the authenticated channel starts a fresh stream
		m.conn.Write(restartHeader(m.conf.Domain))

	case el.Is(element.NSStream, "stream"):
		log.Debugf("post-authentication stream open, id %v", el.Attr["id"])

	case el.Is(element.NSStream, "features"):
		s.iqID = uuid.New().String()
		resource := ""
		if m.conf.Resource != "" {
			resource = fmt.Sprintf("<resource>%s</resource>", element.Escape(m.conf.Resource))
		}
		m.conn.Write(fmt.Sprintf("<iq type='set' id='%s'><bind xmlns='%s'>%s</bind></iq>",
			s.iqID, element.NSBind, resource))

	case el.Is(element.NSClient, "iq") && el.Attr["id"] == s.iqID:
		if el.Attr["type"] != "result" {
			m.sink.Report("session", diag.KindTransport, "resource bind refused: "+el.String(), false)
			return
		}
		jid := el.Child(element.NSBind, "bind").ChildText(element.NSBind, "jid")
		m.setJID(jid)
		log.Infof("session established as %v", jid)
		m.transition(&Ready{})

	default:
		log.Tracef("ignoring %v while binding", el.Name)
	}
}

// Ready is the established session: the engine's negotiation work is done
// and stanzas belong to the layer above.
type Ready struct{}

func (*Ready) Name() string { return "ready" }

func (*Ready) Execute(m *Machine, el *element.Element) {
	if el != nil {
		log.Tracef("stanza received: %v", el.Name)
	}
}

// Closed is the terminal state; the receive loop stops on seeing it.
type Closed struct{}

func (*Closed) Name() string { return "closed" }

func (*Closed) Execute(*Machine, *element.Element) {}
