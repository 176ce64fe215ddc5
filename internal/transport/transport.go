// Package transport owns one logical connection: the raw socket, the
// optional encrypted layer, the optional compression codec and the
// receive loop feeding the tokenizer.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/amlith/wisp/internal/codec"
	"github.com/amlith/wisp/internal/diag"
	log "github.com/sirupsen/logrus"
)

const (
	// receiveBufferSize is the fixed capacity of the reused receive buffer
	receiveBufferSize = 4096

	DefaultConnectTimeout = 5 * time.Second
)

var (
	ErrConnectTimeout    = errors.New("connect attempt timed out")
	ErrConnectInFlight   = errors.New("a connect attempt is already in flight")
	ErrAlreadyConnected  = errors.New("the connection is already established")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadySecure     = errors.New("the encrypted layer is already installed")
	ErrAlreadyCompressed = errors.New("stream compression is already enabled")
)

// Parser is the external tokenizer boundary. Parse receives every decoded
// and decompressed chunk together with the raw byte count of the read that
// produced it, and must return only once all elements completed by the
// chunk have been dispatched.
type Parser interface {
	Parse(text string, raw int)
}

// SessionDriver is the session state machine boundary.
type SessionDriver interface {
	// Begin enters the initial connected state; it re-enters execution
	// immediately, e.g. to send the stream-open handshake
	Begin()
	// Terminated reports whether the machine reached its terminal state
	Terminated() bool
}

type Config struct {
	// Dialer dials the raw connection; defaults to a plain net.Dialer
	Dialer Dialer
	// Carrier optionally reframes the raw connection (e.g. WebSocket)
	// before any other layer is applied
	Carrier Carrier
	// Valve rate-limits the wire; nil means unlimited
	Valve *Valve
	// Sink receives fault reports; defaults to diag.Log
	Sink   diag.Sink
	Secure SecureConfig
}

type Transport struct {
	conf    Config
	parser  Parser
	session SessionDriver
	valve   *Valve
	sink    diag.Sink

	dest       Destination
	layers     layerStack
	codec      *codec.Stream
	recvBuf    []byte
	connected  uint32
	connecting uint32
}

func New(parser Parser, session SessionDriver, conf Config) *Transport {
	if conf.Dialer == nil {
		conf.Dialer = &net.Dialer{}
	}
	if conf.Sink == nil {
		conf.Sink = diag.Log
	}
	if conf.Valve == nil {
		conf.Valve = UnlimitedValve
	}
	return &Transport{
		conf:    conf,
		parser:  parser,
		session: session,
		valve:   conf.Valve,
		sink:    conf.Sink,
		recvBuf: make([]byte, receiveBufferSize),
	}
}

// Connect dials the destination's address family and blocks for at most
// timeout awaiting completion. On success it marks the connection
// established, signals the session machine to enter its initial connected
// state and starts the receive loop. On timeout the in-flight attempt is
// abandoned, not aborted; retry policy is the caller's concern.
func (t *Transport) Connect(dest Destination, timeout time.Duration) error {
	if !atomic.CompareAndSwapUint32(&t.connecting, 0, 1) {
		return ErrConnectInFlight
	}
	defer atomic.StoreUint32(&t.connecting, 0)
	if t.Connected() {
		// reconnecting over a live receive loop would silently replace
		// the layer stack under it; the caller must Close first
		return ErrAlreadyConnected
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := t.conf.Dialer.Dial(dest.Network(), dest.Addr())
		resultCh <- dialResult{conn, err}
	}()

	var conn net.Conn
	select {
	case result := <-resultCh:
		if result.err != nil {
			t.sink.Report("transport", diag.KindTransport, fmt.Sprintf("connecting to %v: %v", dest, result.err), false)
			return fmt.Errorf("connecting to %v: %w", dest, result.err)
		}
		conn = result.conn
	case <-time.After(timeout):
		go func() {
			// the dial itself is not cancelled; reap its result
			if late := <-resultCh; late.conn != nil {
				late.conn.Close()
			}
		}()
		t.sink.Report("transport", diag.KindTimeout, fmt.Sprintf("connecting to %v: no answer within %v", dest, timeout), false)
		return ErrConnectTimeout
	}

	if t.conf.Carrier != nil {
		wrapped, err := t.conf.Carrier.Wrap(conn, dest)
		if err != nil {
			conn.Close()
			t.sink.Report("transport", diag.KindTransport, fmt.Sprintf("preparing carrier for %v: %v", dest, err), false)
			return fmt.Errorf("preparing carrier: %w", err)
		}
		conn = wrapped
	}

	t.dest = dest
	t.layers = layerStack{raw: conn}
	atomic.StoreUint32(&t.connected, 1)
	log.Infof("connected to %v", dest)

	// the machine runs its connected-state entry (stream open) before the
	// first read is issued, so it is never entered concurrently
	t.session.Begin()
	go t.receiveLoop()
	return nil
}

func (t *Transport) Connected() bool {
	return atomic.LoadUint32(&t.connected) == 1
}

// TrafficTotals returns the cumulative bytes moved through the valve in
// each direction, counted on the wire after compression.
func (t *Transport) TrafficTotals() (rx, tx int64) {
	return t.valve.GetRx(), t.valve.GetTx()
}

// StartCompression installs the stream compression codec. From this point
// every write is compressed and every read decompressed. Callers must
// negotiate it via the protocol and call it at most once.
func (t *Transport) StartCompression(algorithm string) error {
	if algorithm != "zlib" {
		return fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
	if t.codec != nil {
		return ErrAlreadyCompressed
	}
	t.codec = codec.NewStream()
	log.Debug("stream compression enabled")
	return nil
}

// Write encodes text and sends it synchronously through the layer stack,
// compressing first if compression is active. It is a no-op when not
// connected. Write must not block indefinitely: it is invoked from within
// receive-loop processing and a stall there stalls all inbound traffic.
func (t *Transport) Write(text string) {
	if !t.Connected() {
		return
	}
	log.Tracef("-> %v", text)
	data := []byte(text)
	if t.codec != nil {
		var err error
		data, err = t.codec.Encode(data)
		if err != nil {
			t.sink.Report("transport", diag.KindTransport, "compressing outbound message: "+err.Error(), false)
			return
		}
	}
	t.valve.txWait(len(data))
	n, err := t.layers.top().Write(data)
	if err != nil {
		t.sink.Report("transport", diag.KindTransport, "writing to peer: "+err.Error(), false)
		return
	}
	t.valve.AddTx(int64(n))
}

// Close tears down the channel layers and then the raw socket.
func (t *Transport) Close() error {
	atomic.StoreUint32(&t.connected, 0)
	if t.codec != nil {
		_ = t.codec.Close()
	}
	return t.layers.close()
}

// receiveLoop is the perpetual read-process-reissue cycle. Exactly one read
// is outstanding at any time, and each chunk is fully processed before the
// next read is issued, which serializes all inbound processing. Faults stop
// the loop quietly instead of tearing the process down.
func (t *Transport) receiveLoop() {
	for {
		if !t.Connected() || t.session.Terminated() {
			log.Debug("receive loop stopping")
			return
		}
		n, err := t.layers.top().Read(t.recvBuf)
		if err != nil {
			log.Debugf("receive loop stopping: %v", err)
			return
		}
		t.valve.rxWait(n)
		t.valve.AddRx(int64(n))

		chunk := trimTrailingZeros(t.recvBuf[:n])
		if len(chunk) > 0 {
			text := chunk
			if t.codec != nil {
				text, err = t.codec.Decode(chunk, len(chunk))
				if err != nil {
					log.Debugf("receive loop stopping: %v", err)
					return
				}
			}
			log.Tracef("<- %s", text)
			t.parser.Parse(string(text), n)
		}
		// clear the used region before the next read
		for i := range t.recvBuf[:n] {
			t.recvBuf[i] = 0
		}
	}
}

// trimTrailingZeros strips the zero padding after the last non-zero byte.
// The underlying read is not assumed to report a logical message length
// distinct from buffer capacity, and valid protocol text never ends in a
// NUL byte. A region of length <= 1 yields nothing.
func trimTrailingZeros(b []byte) []byte {
	if len(b) <= 1 {
		return nil
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}
