// Package feedbuf provides a byte rendezvous between a feeder and a single
// consumer goroutine. The feeder appends bytes and can then block until the
// consumer has drained them and gone back to sleep, which serializes the
// feeder with everything the consumer does in between.
package feedbuf

import (
	"bytes"
	"io"
	"sync"
)

// Buffer is an io.Reader whose Read blocks until bytes are available.
// The zero value is not usable; use New.
type Buffer struct {
	rwCond *sync.Cond
	buf    bytes.Buffer

	// idle is true while the consumer is blocked inside Read with no bytes
	// left to hand out
	idle   bool
	closed bool
	// retired is set by the consumer when it permanently stops reading,
	// so that WaitIdle callers are not stranded
	retired bool
}

func New() *Buffer {
	return &Buffer{
		rwCond: sync.NewCond(&sync.Mutex{}),
	}
}

// Read blocks until at least one byte is available or the buffer is closed.
// Only the consumer goroutine may call Read.
func (b *Buffer) Read(p []byte) (int, error) {
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	for b.buf.Len() == 0 {
		if b.closed {
			return 0, io.EOF
		}
		b.idle = true
		b.rwCond.Broadcast()
		b.rwCond.Wait()
	}
	b.idle = false
	n, err := b.buf.Read(p)
	// err is always nil because the buffer is not empty
	return n, err
}

// Feed appends p and wakes the consumer.
func (b *Buffer) Feed(p []byte) {
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	b.buf.Write(p)
	b.rwCond.Broadcast()
}

// WaitIdle blocks until the consumer has drained all fed bytes and is parked
// inside Read again, or has retired. On return, everything the consumer did
// with the fed bytes has completed.
func (b *Buffer) WaitIdle() {
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	for !b.retired && !(b.idle && b.buf.Len() == 0) {
		b.rwCond.Wait()
	}
}

// Close makes the next drained Read return io.EOF.
func (b *Buffer) Close() {
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	b.closed = true
	b.rwCond.Broadcast()
}

// Retire marks the consumer as permanently gone, releasing WaitIdle callers.
// The consumer must call it on exit.
func (b *Buffer) Retire() {
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	b.retired = true
	b.rwCond.Broadcast()
}
