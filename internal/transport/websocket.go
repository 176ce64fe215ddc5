package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Carrier reframes the raw connection before any other layer is applied.
type Carrier interface {
	Wrap(conn net.Conn, dest Destination) (net.Conn, error)
}

// WebSocketCarrier frames the byte stream in WebSocket messages over an
// already-dialed connection.
type WebSocketCarrier struct {
	// URL of the endpoint, e.g. ws://example.org:5280/xmpp-websocket.
	// Empty means ws://<hostname>:<port>/
	URL string
}

func (c *WebSocketCarrier) Wrap(conn net.Conn, dest Destination) (net.Conn, error) {
	endpoint := c.URL
	if endpoint == "" {
		endpoint = fmt.Sprintf("ws://%v/", net.JoinHostPort(dest.Hostname, fmt.Sprint(dest.Port)))
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing ws url: %w", err)
	}
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", "xmpp")
	wsConn, _, err := websocket.NewClient(conn, u, header, receiveBufferSize, receiveBufferSize)
	if err != nil {
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	return &webSocketConn{wsConn}, nil
}

// webSocketConn adapts a websocket connection to net.Conn.
type webSocketConn struct {
	*websocket.Conn
}

func (ws *webSocketConn) Write(data []byte) (int, error) {
	err := ws.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (ws *webSocketConn) Read(buf []byte) (int, error) {
	_, r, err := ws.NextReader()
	if err != nil {
		return 0, err
	}
	return r.Read(buf)
}

func (ws *webSocketConn) SetDeadline(t time.Time) error {
	if err := ws.SetReadDeadline(t); err != nil {
		return err
	}
	return ws.SetWriteDeadline(t)
}
