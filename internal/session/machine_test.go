package session

import (
	"strings"
	"sync"
	"testing"

	"github.com/amlith/wisp/internal/diag"
	"github.com/amlith/wisp/internal/element"
	"github.com/stretchr/testify/assert"
)

// fakeConn records everything the machine asks the transport to do.
type fakeConn struct {
	writes        []string
	secureCalls   int
	compressCalls []string
	closed        bool

	secureErr   error
	compressErr error
}

func (c *fakeConn) Write(text string) { c.writes = append(c.writes, text) }

func (c *fakeConn) StartSecure() error {
	c.secureCalls++
	return c.secureErr
}

func (c *fakeConn) StartCompression(algorithm string) error {
	c.compressCalls = append(c.compressCalls, algorithm)
	return c.compressErr
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type sinkReport struct {
	source  string
	kind    diag.Kind
	message string
	fatal   bool
}

type fakeSink struct {
	sync.Mutex
	reports []sinkReport
}

func (s *fakeSink) Report(source string, kind diag.Kind, message string, fatal bool) {
	s.Lock()
	defer s.Unlock()
	s.reports = append(s.reports, sinkReport{source, kind, message, fatal})
}

func newTestMachine(conf Config) (*Machine, *fakeConn, *fakeSink) {
	if conf.Domain == "" {
		conf.Domain = "example.org"
	}
	conn := &fakeConn{}
	sink := &fakeSink{}
	m := NewMachine(sink, conf)
	m.Attach(conn)
	return m, conn, sink
}

func el(space, name string, children ...*element.Element) *element.Element {
	return &element.Element{Space: space, Name: name, Children: children}
}

func featuresWithSASL() *element.Element {
	return el(element.NSStream, "features",
		el(element.NSSASL, "mechanisms",
			&element.Element{Space: element.NSSASL, Name: "mechanism", Text: "PLAIN"}))
}

func TestBeginOpensStream(t *testing.T) {
	m, conn, _ := newTestMachine(Config{})
	m.Begin()
	if assert.Len(t, conn.writes, 1) {
		assert.Equal(t, streamHeader("example.org"), conn.writes[0])
		assert.Contains(t, conn.writes[0], "<?xml version='1.0'?>")
	}
	assert.Equal(t, "negotiating", m.StateName())
	assert.False(t, m.Terminated())
}

func TestSecureUpgradeNegotiation(t *testing.T) {
	m, conn, _ := newTestMachine(Config{})
	m.Begin()

	m.Execute(el(element.NSStream, "features", el(element.NSTLS, "starttls")))
	if assert.Len(t, conn.writes, 2) {
		assert.Equal(t, "<starttls xmlns='"+element.NSTLS+"'/>", conn.writes[1])
	}

	m.Execute(el(element.NSTLS, "proceed"))
	assert.Equal(t, 1, conn.secureCalls)
	// the fresh encrypted channel gets a restart header, no XML declaration
	if assert.Len(t, conn.writes, 3) {
		assert.Equal(t, restartHeader("example.org"), conn.writes[2])
		assert.NotContains(t, conn.writes[2], "<?xml")
	}
}

func TestSecureUpgradeFailureEndsSession(t *testing.T) {
	m, conn, _ := newTestMachine(Config{})
	conn.secureErr = assert.AnError
	m.Begin()
	m.Execute(el(element.NSStream, "features", el(element.NSTLS, "starttls")))
	written := len(conn.writes)

	m.Execute(el(element.NSTLS, "proceed"))
	assert.True(t, m.Terminated())
	assert.True(t, conn.closed)
	assert.Len(t, conn.writes, written)
}

func TestPeerRefusesSecureUpgrade(t *testing.T) {
	m, conn, sink := newTestMachine(Config{})
	m.Begin()
	m.Execute(el(element.NSStream, "features", el(element.NSTLS, "starttls")))

	m.Execute(el(element.NSTLS, "failure"))
	assert.True(t, m.Terminated())
	assert.True(t, conn.closed)
	if assert.Len(t, sink.reports, 1) {
		assert.Equal(t, diag.KindSecurity, sink.reports[0].kind)
		assert.True(t, sink.reports[0].fatal)
	}
}

func featuresWithCompression() *element.Element {
	return el(element.NSStream, "features",
		el(element.NSCompressFeature, "compression",
			&element.Element{Space: element.NSCompressFeature, Name: "method", Text: "zlib"}),
		el(element.NSSASL, "mechanisms"))
}

func TestCompressionNegotiation(t *testing.T) {
	m, conn, _ := newTestMachine(Config{RequestCompression: true, DisableTLS: true})
	m.Begin()

	m.Execute(featuresWithCompression())
	if assert.Len(t, conn.writes, 2) {
		assert.Contains(t, conn.writes[1], "<compress")
		assert.Contains(t, conn.writes[1], "<method>zlib</method>")
	}

	m.Execute(el(element.NSCompress, "compressed"))
	assert.Equal(t, []string{"zlib"}, conn.compressCalls)
	// the compressed channel also restarts the stream
	if assert.Len(t, conn.writes, 3) {
		assert.Equal(t, restartHeader("example.org"), conn.writes[2])
	}
}

func TestCompressionRejectedContinuesNegotiation(t *testing.T) {
	mech := &scriptMechanism{steps: []scriptStep{{result: Result{Outcome: Continue, Payload: "<auth/>"}}}}
	m, conn, _ := newTestMachine(Config{
		RequestCompression: true,
		DisableTLS:         true,
		Mechanism:          mech,
	})
	m.Begin()
	m.Execute(featuresWithCompression())

	m.Execute(el(element.NSCompress, "failure"))
	assert.Empty(t, conn.compressCalls)
	// negotiation resumes from the same feature set and reaches auth
	assert.Equal(t, "authenticating", m.StateName())
	assert.Equal(t, "<auth/>", conn.writes[len(conn.writes)-1])
}

func TestStreamErrorEndsSession(t *testing.T) {
	m, conn, _ := newTestMachine(Config{})
	m.Begin()
	m.Execute(el(element.NSStream, "error"))
	assert.True(t, m.Terminated())
	assert.True(t, conn.closed)
}

func TestMissingMechanismIsFatal(t *testing.T) {
	m, _, sink := newTestMachine(Config{DisableTLS: true})
	m.Begin()
	m.Execute(featuresWithSASL())
	assert.True(t, m.Terminated())
	if assert.Len(t, sink.reports, 1) {
		assert.Equal(t, diag.KindAuth, sink.reports[0].kind)
		assert.True(t, sink.reports[0].fatal)
	}
}

func TestBindingEstablishesSession(t *testing.T) {
	mech := &scriptMechanism{steps: []scriptStep{
		{result: Result{Outcome: Continue, Payload: "<auth/>"}},
		{result: Result{Outcome: Success}},
	}}
	m, conn, _ := newTestMachine(Config{
		DisableTLS: true,
		Mechanism:  mech,
		Resource:   "desk",
	})
	m.Begin()
	m.Execute(featuresWithSASL())
	m.Execute(el(element.NSSASL, "success"))
	assert.Equal(t, "binding", m.StateName())

	// the post-auth stream offers bind
	m.Execute(el(element.NSStream, "stream"))
	m.Execute(el(element.NSStream, "features", el(element.NSBind, "bind")))
	iq := conn.writes[len(conn.writes)-1]
	assert.Contains(t, iq, "<bind xmlns='"+element.NSBind+"'>")
	assert.Contains(t, iq, "<resource>desk</resource>")
	id := extractAttr(t, iq, "id")

	result := &element.Element{
		Space: element.NSClient, Name: "iq",
		Attr: map[string]string{"type": "result", "id": id},
		Children: []*element.Element{
			el(element.NSBind, "bind",
				&element.Element{Space: element.NSBind, Name: "jid", Text: "user@example.org/desk"}),
		},
	}
	m.Execute(result)
	assert.Equal(t, "ready", m.StateName())
	assert.Equal(t, "user@example.org/desk", m.JID())
}

func TestBindRefusedStaysBinding(t *testing.T) {
	mech := &scriptMechanism{steps: []scriptStep{
		{result: Result{Outcome: Continue, Payload: "<auth/>"}},
		{result: Result{Outcome: Success}},
	}}
	m, conn, sink := newTestMachine(Config{DisableTLS: true, Mechanism: mech})
	m.Begin()
	m.Execute(featuresWithSASL())
	m.Execute(el(element.NSSASL, "success"))
	m.Execute(el(element.NSStream, "features", el(element.NSBind, "bind")))
	id := extractAttr(t, conn.writes[len(conn.writes)-1], "id")

	refusal := &element.Element{
		Space: element.NSClient, Name: "iq",
		Attr: map[string]string{"type": "error", "id": id},
	}
	m.Execute(refusal)
	assert.Equal(t, "binding", m.StateName())
	assert.Empty(t, m.JID())
	assert.NotEmpty(t, sink.reports)
}

// extractAttr pulls a single-quoted attribute value out of serialized XML.
func extractAttr(t *testing.T, text, attr string) string {
	_, after, found := strings.Cut(text, attr+"='")
	if !found {
		t.Fatalf("no %v attribute in %v", attr, text)
	}
	value, _, found := strings.Cut(after, "'")
	if !found {
		t.Fatalf("unterminated %v attribute in %v", attr, text)
	}
	return value
}
