package transport

import "net"

// layerStack is the ordered wrapping of the raw byte channel:
// raw socket -> optional encrypted layer. Compression sits above the stack
// inside Transport because it transforms whole messages, not the stream.
// Once the encrypted layer is installed it is never removed; the field is
// written exactly once for the life of the connection.
type layerStack struct {
	raw    net.Conn
	secure net.Conn
}

// top returns the layer reads and writes go through.
func (ls *layerStack) top() net.Conn {
	if ls.secure != nil {
		return ls.secure
	}
	return ls.raw
}

// close tears the stack down top to bottom.
func (ls *layerStack) close() error {
	var err error
	if ls.secure != nil {
		err = ls.secure.Close()
	}
	if ls.raw != nil {
		if rawErr := ls.raw.Close(); err == nil {
			err = rawErr
		}
	}
	return err
}
