package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/amlith/wisp/internal/diag"
	"github.com/amlith/wisp/internal/trust"
	utls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
)

type SecureConfig struct {
	// ServerName overrides the destination hostname for certificate
	// validation; empty means use the hostname
	ServerName string
	// Fingerprint selects a browser ClientHello shape: "chrome",
	// "firefox" or "safari". Empty uses the stock handshake.
	Fingerprint string
	// RootCAs defaults to the system pool
	RootCAs *x509.CertPool
	// Pins, when set, enforces trust-on-first-use certificate pinning
	// on top of chain validation
	Pins *trust.Store
	// SkipVerify disables all certificate checks. Test use only.
	SkipVerify bool
}

// StartSecure wraps the current channel in the encrypted layer and performs
// a client-side handshake validating the peer's certificate. On failure the
// connection is left unusable: continuing in cleartext after a failed
// upgrade is not permitted.
func (t *Transport) StartSecure() error {
	if t.layers.secure != nil {
		return ErrAlreadySecure
	}
	if !t.Connected() {
		return ErrNotConnected
	}

	serverName := t.conf.Secure.ServerName
	if serverName == "" {
		serverName = t.dest.Hostname
	}

	var (
		conn handshakeConn
		err  error
	)
	switch t.conf.Secure.Fingerprint {
	case "":
		tlsConn := tls.Client(t.layers.top(), &tls.Config{
			ServerName: serverName,
			// verification runs in verifyPeer so policy errors can be
			// logged individually before rejecting
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: t.verifyPeer(serverName),
		})
		err = tlsConn.Handshake()
		conn = tlsConn
	default:
		var helloID utls.ClientHelloID
		switch t.conf.Secure.Fingerprint {
		case "chrome":
			helloID = utls.HelloChrome_Auto
		case "firefox":
			helloID = utls.HelloFirefox_Auto
		case "safari":
			helloID = utls.HelloSafari_Auto
		default:
			return fmt.Errorf("unknown TLS fingerprint %q", t.conf.Secure.Fingerprint)
		}
		uconn := utls.UClient(t.layers.top(), &utls.Config{
			ServerName:            serverName,
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: t.verifyPeer(serverName),
		}, helloID)
		err = uconn.Handshake()
		conn = uconn
	}

	if err != nil {
		// the channel state is ambiguous now; forbid any further writes
		atomic.StoreUint32(&t.connected, 0)
		t.sink.Report("transport", diag.KindSecurity, fmt.Sprintf("securing channel to %v: %v", serverName, err), true)
		return fmt.Errorf("securing channel: %w", err)
	}
	t.layers.secure = conn
	log.Debugf("channel to %v secured", serverName)
	return nil
}

// handshakeConn is satisfied by both tls.Conn and utls.UConn.
type handshakeConn interface {
	net.Conn
	Handshake() error
}

// verifyPeer validates the presented chain against the platform roots and,
// when a pin store is configured, against the pinned certificate for the
// host. Policy errors are logged before the handshake is rejected.
func (t *Transport) verifyPeer(serverName string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				log.Errorf("peer %v presented an unparsable certificate: %v", serverName, err)
				return err
			}
			certs = append(certs, cert)
		}
		if len(certs) == 0 {
			log.Errorf("peer %v presented no certificate", serverName)
			return fmt.Errorf("no certificate presented")
		}

		if !t.conf.Secure.SkipVerify {
			intermediates := x509.NewCertPool()
			for _, cert := range certs[1:] {
				intermediates.AddCert(cert)
			}
			chains, err := certs[0].Verify(x509.VerifyOptions{
				DNSName:       serverName,
				Roots:         t.conf.Secure.RootCAs,
				Intermediates: intermediates,
			})
			if err != nil {
				log.Errorf("certificate chain for %v rejected: %v", serverName, err)
				return err
			}
			log.Tracef("certificate for %v validated, %v chain(s)", serverName, len(chains))
		}

		if t.conf.Secure.Pins != nil {
			if err := t.conf.Secure.Pins.Verify(serverName, certs[0]); err != nil {
				log.Errorf("certificate pin check for %v failed: %v", serverName, err)
				return err
			}
		}
		return nil
	}
}
