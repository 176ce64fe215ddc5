// Package client assembles a complete connection engine from a Config.
package client

import (
	"fmt"
	"net"

	"github.com/amlith/wisp/internal/common"
	"github.com/amlith/wisp/internal/diag"
	"github.com/amlith/wisp/internal/parser"
	"github.com/amlith/wisp/internal/resolver"
	"github.com/amlith/wisp/internal/session"
	"github.com/amlith/wisp/internal/transport"
	"github.com/amlith/wisp/internal/trust"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Engine is one wired logical connection: transport, tokenizer and session
// machine, plus the resolver and pin store they depend on.
type Engine struct {
	conf      Config
	Transport *transport.Transport
	Machine   *session.Machine
	Parser    *parser.Parser
	Pins      *trust.Store
	resolver  *resolver.Resolver
}

// NewEngine wires all components. Sink may be nil for the default
// logrus-backed sink.
func NewEngine(conf Config, sink diag.Sink) (*Engine, error) {
	e := &Engine{conf: conf}

	var err error
	if conf.PinDB != "" {
		e.Pins, err = trust.OpenStore(conf.PinDB, common.RealWorldState)
		if err != nil {
			return nil, fmt.Errorf("opening pin store: %w", err)
		}
	}

	var dialer transport.Dialer = &net.Dialer{}
	if conf.SocksProxy != "" {
		dialer, err = proxy.SOCKS5("tcp", conf.SocksProxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("preparing SOCKS5 dialer: %w", err)
		}
		log.Debugf("dialing through SOCKS5 proxy %v", conf.SocksProxy)
	}

	var carrier transport.Carrier
	if conf.Transport == "websocket" {
		carrier = &transport.WebSocketCarrier{URL: conf.WebSocketURL}
	}

	e.resolver, err = resolver.New(conf.DNSServer, common.RealWorldState)
	if err != nil {
		return nil, err
	}

	valve := transport.UnlimitedValve
	if conf.RxRate > 0 || conf.TxRate > 0 {
		rxRate, txRate := conf.RxRate, conf.TxRate
		if rxRate == 0 {
			rxRate = transport.UnlimitedRate
		}
		if txRate == 0 {
			txRate = transport.UnlimitedRate
		}
		valve = transport.MakeValve(rxRate, txRate)
		log.Debugf("traffic caps: rx %v B/s, tx %v B/s", conf.RxRate, conf.TxRate)
	}

	e.Machine = session.NewMachine(sink, session.Config{
		Domain:   conf.Domain,
		Resource: conf.Resource,
		Mechanism: &session.Plain{
			User:     conf.User,
			Password: conf.Password,
		},
		RequestCompression: conf.Compression,
	})
	e.Parser = parser.New(e.Machine)
	e.Transport = transport.New(e.Parser, e.Machine, transport.Config{
		Dialer:  dialer,
		Carrier: carrier,
		Valve:   valve,
		Sink:    sink,
		Secure: transport.SecureConfig{
			ServerName:  conf.Domain,
			Fingerprint: conf.BrowserSig,
			Pins:        e.Pins,
		},
	})
	e.Machine.Attach(e.Transport)
	return e, nil
}

// Connect resolves the destination and establishes the connection,
// blocking for at most the configured connect timeout.
func (e *Engine) Connect() error {
	var dest transport.Destination
	var err error
	if e.conf.ServerHost != "" {
		dest, err = e.resolveDirect()
	} else {
		dest, err = e.resolver.Resolve(e.conf.Domain, e.conf.ServerPort)
	}
	if err != nil {
		return err
	}
	return e.Transport.Connect(dest, e.conf.ConnectTimeout)
}

// resolveDirect bypasses SRV and resolves the configured server host.
func (e *Engine) resolveDirect() (transport.Destination, error) {
	ips, err := net.LookupIP(e.conf.ServerHost)
	if err != nil {
		return transport.Destination{}, fmt.Errorf("resolving %v: %w", e.conf.ServerHost, err)
	}
	if len(ips) == 0 {
		return transport.Destination{}, fmt.Errorf("no addresses for %v", e.conf.ServerHost)
	}
	ip := ips[0]
	return transport.Destination{
		Hostname: e.conf.Domain,
		IP:       ip,
		IPv6:     ip.To4() == nil,
		Port:     e.conf.ServerPort,
	}, nil
}

// Close shuts the connection and releases the engine's resources.
func (e *Engine) Close() {
	_ = e.Transport.Close()
	e.Parser.Close()
	if e.Pins != nil {
		_ = e.Pins.Close()
	}
}
