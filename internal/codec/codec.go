// Package codec implements the stream compression layer. Both directions
// keep their dictionary windows for the life of the connection, so calls
// must see data in exactly the order it appears on the wire.
package codec

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"sync"

	"github.com/amlith/wisp/internal/feedbuf"
)

// drainChunk is the unit in which codec output is drained into the result
const drainChunk = 4096

// Stream is a bidirectional zlib codec. The deflate and inflate states are
// independent and never reset once allocated.
type Stream struct {
	// write direction
	wm         sync.Mutex
	compressed bytes.Buffer
	deflater   *zlib.Writer

	// read direction. The inflater runs on its own goroutine fed through
	// feed; Decode blocks until it has consumed the input
	feed     *feedbuf.Buffer
	rm       sync.Mutex
	inflated bytes.Buffer
	readErr  error
}

func NewStream() *Stream {
	s := &Stream{
		feed: feedbuf.New(),
	}
	s.deflater = zlib.NewWriter(&s.compressed)
	go s.inflateLoop()
	return s
}

// Encode compresses p with a sync flush so the peer can decode it without
// waiting for more output, and returns everything the deflater produced.
func (s *Stream) Encode(p []byte) ([]byte, error) {
	s.wm.Lock()
	defer s.wm.Unlock()
	if _, err := s.deflater.Write(p); err != nil {
		return nil, fmt.Errorf("deflating %v bytes: %w", len(p), err)
	}
	if err := s.deflater.Flush(); err != nil {
		return nil, fmt.Errorf("flushing deflater: %w", err)
	}
	var out []byte
	for s.compressed.Len() > 0 {
		out = append(out, s.compressed.Next(drainChunk)...)
	}
	return out, nil
}

// Decode feeds exactly length bytes of p to the inflater and returns
// whatever it could decode. A chunk that ends mid-unit yields a short
// (possibly empty) result; the remainder arrives with the next call.
func (s *Stream) Decode(p []byte, length int) ([]byte, error) {
	s.feed.Feed(p[:length])
	s.feed.WaitIdle()

	s.rm.Lock()
	defer s.rm.Unlock()
	if s.readErr != nil && s.inflated.Len() == 0 {
		return nil, fmt.Errorf("inflating: %w", s.readErr)
	}
	out := make([]byte, s.inflated.Len())
	_, _ = s.inflated.Read(out)
	return out, nil
}

// Close flushes and releases both directions. The codec is unusable
// afterwards.
func (s *Stream) Close() error {
	s.feed.Close()
	s.wm.Lock()
	defer s.wm.Unlock()
	return s.deflater.Close()
}

func (s *Stream) inflateLoop() {
	defer s.feed.Retire()
	// blocks until the first chunk carrying the stream header is fed
	inflater, err := zlib.NewReader(s.feed)
	if err != nil {
		s.rm.Lock()
		s.readErr = err
		s.rm.Unlock()
		return
	}
	chunk := make([]byte, drainChunk)
	for {
		n, err := inflater.Read(chunk)
		if n > 0 {
			s.rm.Lock()
			s.inflated.Write(chunk[:n])
			s.rm.Unlock()
		}
		if err != nil {
			s.rm.Lock()
			s.readErr = err
			s.rm.Unlock()
			return
		}
	}
}
