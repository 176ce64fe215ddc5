// Package element defines the parsed protocol element exchanged between the
// tokenizer and the session state machine.
package element

import (
	"encoding/xml"
	"strings"
)

// Namespaces of the streaming protocol.
const (
	NSClient          = "jabber:client"
	NSStream          = "http://etherx.jabber.org/streams"
	NSTLS             = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL            = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSCompress        = "http://jabber.org/protocol/compress"
	NSCompressFeature = "http://jabber.org/features/compress"
	NSBind            = "urn:ietf:params:xml:ns:xmpp-bind"
)

// Element is one complete parsed unit of the protocol stream. Elements are
// values: states inspect them but never retain or mutate them.
type Element struct {
	Space    string
	Name     string
	Attr     map[string]string
	Text     string
	Children []*Element
}

func (e *Element) Is(space, name string) bool {
	return e != nil && e.Space == space && e.Name == name
}

// Child returns the first direct child matching space and name, or nil.
func (e *Element) Child(space, name string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Is(space, name) {
			return c
		}
	}
	return nil
}

func (e *Element) ChildText(space, name string) string {
	if c := e.Child(space, name); c != nil {
		return c.Text
	}
	return ""
}

func (e *Element) String() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(e.Name)
	if e.Space != "" {
		b.WriteString(" xmlns='")
		b.WriteString(Escape(e.Space))
		b.WriteByte('\'')
	}
	for k, v := range e.Attr {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteString("='")
		b.WriteString(Escape(v))
		b.WriteByte('\'')
	}
	if e.Text == "" && len(e.Children) == 0 {
		b.WriteString("/>")
		return b.String()
	}
	b.WriteByte('>')
	b.WriteString(Escape(e.Text))
	for _, c := range e.Children {
		b.WriteString(c.String())
	}
	b.WriteString("</")
	b.WriteString(e.Name)
	b.WriteByte('>')
	return b.String()
}

// Escape makes s safe for inclusion in element text or attribute values.
func Escape(s string) string {
	var b strings.Builder
	// xml.EscapeText only fails on a broken writer, which strings.Builder is not
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
