package session

import (
	"encoding/base64"
	"fmt"

	"github.com/amlith/wisp/internal/element"
)

type Outcome int

const (
	// Continue carries a challenge or response body to send verbatim
	Continue Outcome = iota
	Success
	Failure
)

// Result is the outcome of one negotiation step.
type Result struct {
	Outcome Outcome
	// Payload is the serialized element to write when Outcome is Continue
	Payload string
}

// Mechanism is the external authentication boundary. Step receives the
// latest server element, or nil on negotiation start, and decides the next
// move. The engine does not know the mechanism's cryptographic content.
type Mechanism interface {
	Name() string
	Step(el *element.Element) (Result, error)
}

// Plain is the SASL PLAIN mechanism (RFC 4616). It carries no cryptography;
// it must only ever run over the encrypted layer.
type Plain struct {
	Authzid  string
	User     string
	Password string
}

func (*Plain) Name() string { return "PLAIN" }

func (p *Plain) Step(el *element.Element) (Result, error) {
	switch {
	case el == nil:
		initial := base64.StdEncoding.EncodeToString(
			[]byte(p.Authzid + "\x00" + p.User + "\x00" + p.Password))
		return Result{
			Outcome: Continue,
			Payload: fmt.Sprintf("<auth xmlns='%s' mechanism='PLAIN'>%s</auth>", element.NSSASL, initial),
		}, nil
	case el.Is(element.NSSASL, "success"):
		return Result{Outcome: Success}, nil
	case el.Is(element.NSSASL, "failure"):
		return Result{Outcome: Failure}, nil
	case el.Is(element.NSSASL, "challenge"):
		// PLAIN sends everything up front; answer any stray challenge
		// with an empty response
		return Result{
			Outcome: Continue,
			Payload: fmt.Sprintf("<response xmlns='%s'/>", element.NSSASL),
		}, nil
	}
	return Result{}, fmt.Errorf("unexpected %v during negotiation", el.Name)
}
