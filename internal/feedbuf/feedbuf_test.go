package feedbuf

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFeedThenRead(t *testing.T) {
	b := New()
	b.Feed([]byte("hello"))
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestWaitIdleSerializesConsumer(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var consumed bytes.Buffer
	go func() {
		defer b.Retire()
		buf := make([]byte, 4)
		for {
			n, err := b.Read(buf)
			if err != nil {
				return
			}
			mu.Lock()
			consumed.Write(buf[:n])
			mu.Unlock()
		}
	}()

	b.Feed([]byte("abcdefgh"))
	b.WaitIdle()
	mu.Lock()
	got := consumed.String()
	mu.Unlock()
	// WaitIdle must not return before the consumer has taken everything
	assert.Equal(t, "abcdefgh", got)

	b.Feed([]byte("ij"))
	b.WaitIdle()
	mu.Lock()
	got = consumed.String()
	mu.Unlock()
	assert.Equal(t, "abcdefghij", got)
}

func TestCloseReleasesReader(t *testing.T) {
	b := New()
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 4)
		_, err := b.Read(buf)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()
	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Error("Read did not return after Close")
	}
}

func TestRetireReleasesWaitIdle(t *testing.T) {
	b := New()
	var released uint32
	done := make(chan struct{})
	go func() {
		b.Feed([]byte("stuck"))
		b.WaitIdle()
		atomic.StoreUint32(&released, 1)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	// no consumer will ever drain the bytes
	assert.Equal(t, uint32(0), atomic.LoadUint32(&released))
	b.Retire()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("WaitIdle did not return after Retire")
	}
}
