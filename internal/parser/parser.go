// Package parser bridges decoded stream text to complete elements. It is a
// boundary adapter around encoding/xml, not a general XML parser: it only
// assembles the depth-one children of the stream root and hands them to the
// session machine.
package parser

import (
	"encoding/xml"
	"fmt"

	"github.com/amlith/wisp/internal/element"
	"github.com/amlith/wisp/internal/feedbuf"
	log "github.com/sirupsen/logrus"
)

// Handler consumes complete parsed elements. The stream root's open tag is
// delivered as an element of its own with no children.
type Handler interface {
	Execute(el *element.Element)
}

// Parser owns a tokenizer goroutine fed through a rendezvous buffer. Parse
// returns only once the goroutine has consumed the chunk and dispatched
// every element it completed, so element handling stays serialized with the
// receive loop that calls Parse.
type Parser struct {
	handler Handler
	feed    *feedbuf.Buffer
}

func New(handler Handler) *Parser {
	p := &Parser{
		handler: handler,
		feed:    feedbuf.New(),
	}
	go p.run()
	return p
}

// Parse feeds one decoded chunk. raw is the byte count of the read that
// produced it, before decompression.
func (p *Parser) Parse(text string, raw int) {
	log.Tracef("parsing %v decoded bytes (%v raw)", len(text), raw)
	p.feed.Feed([]byte(text))
	p.feed.WaitIdle()
}

// Close releases the tokenizer goroutine.
func (p *Parser) Close() {
	p.feed.Close()
}

func (p *Parser) run() {
	defer p.feed.Retire()
	decoder := xml.NewDecoder(p.feed)
	for {
		tok, err := decoder.Token()
		if err != nil {
			log.Debugf("tokenizer stopping: %v", err)
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			// top-level character data (whitespace keepalives) and
			// processing instructions carry nothing
			continue
		}
		if start.Name.Space == element.NSStream && start.Name.Local == "stream" {
			// a stream (re)open is delivered without waiting for its
			// subtree; the close tag only ever arrives at stream end
			p.handler.Execute(startToElement(start))
			continue
		}
		el, err := readElement(decoder, start)
		if err != nil {
			log.Debugf("tokenizer stopping: %v", err)
			return
		}
		p.handler.Execute(el)
	}
}

func startToElement(start xml.StartElement) *element.Element {
	el := &element.Element{
		Space: start.Name.Space,
		Name:  start.Name.Local,
		Attr:  make(map[string]string, len(start.Attr)),
	}
	for _, attr := range start.Attr {
		el.Attr[attr.Name.Local] = attr.Value
	}
	return el
}

// readElement assembles the complete subtree of start.
func readElement(decoder *xml.Decoder, start xml.StartElement) (*element.Element, error) {
	el := startToElement(start)
	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("reading %v subtree: %w", start.Name.Local, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := readElement(decoder, t)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			el.Text += string(t)
		case xml.EndElement:
			return el, nil
		}
	}
}
