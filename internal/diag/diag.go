// Package diag is the error reporting boundary of the engine. The engine
// classifies faults and hands them to a Sink; it never decides retry policy.
package diag

import (
	log "github.com/sirupsen/logrus"
)

type Kind int

const (
	// KindTimeout is a bounded wait that expired, e.g. connect
	KindTimeout Kind = iota
	// KindTransport is a socket-level failure
	KindTransport
	// KindSecurity is a failed or rejected encrypted-channel handshake
	KindSecurity
	// KindAuth is a rejected authentication negotiation
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindSecurity:
		return "security"
	case KindAuth:
		return "auth"
	}
	return "unknown"
}

// Sink receives classified fault reports. Fatal reports mean the connection
// is unusable and the caller should close it.
type Sink interface {
	Report(source string, kind Kind, message string, fatal bool)
}

type logSink struct{}

func (logSink) Report(source string, kind Kind, message string, fatal bool) {
	if fatal {
		log.Errorf("[%v] fatal %v error: %v", source, kind, message)
	} else {
		log.Warnf("[%v] %v error: %v", source, kind, message)
	}
}

// Log reports through logrus only. It is the default sink when the embedder
// does not install one.
var Log Sink = logSink{}
