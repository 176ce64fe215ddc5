package codec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// decodeAll keeps feeding until the expected number of bytes came out.
func decodeAll(t *testing.T, s *Stream, in []byte, want int) []byte {
	t.Helper()
	var out []byte
	chunk, err := s.Decode(in, len(in))
	assert.NoError(t, err)
	out = append(out, chunk...)
	if len(out) != want {
		t.Fatalf("expected %v decoded bytes, got %v", want, len(out))
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	sender := NewStream()
	receiver := NewStream()

	payload := []byte("<stream:features><compression xmlns='http://jabber.org/features/compress'/></stream:features>")
	wire, err := sender.Encode(payload)
	assert.NoError(t, err)
	assert.NotEmpty(t, wire)

	decoded := decodeAll(t, receiver, wire, len(payload))
	assert.Equal(t, payload, decoded)
}

func TestRunningStateAcrossCalls(t *testing.T) {
	sender := NewStream()
	receiver := NewStream()

	r := rand.New(rand.NewSource(42))
	var sent, received []byte
	for i := 0; i < 20; i++ {
		payload := make([]byte, 1+r.Intn(3000))
		r.Read(payload)
		sent = append(sent, payload...)

		wire, err := sender.Encode(payload)
		assert.NoError(t, err)

		decoded, err := receiver.Decode(wire, len(wire))
		assert.NoError(t, err)
		received = append(received, decoded...)
	}
	assert.Equal(t, sent, received)
}

func TestDecodeSplitInput(t *testing.T) {
	sender := NewStream()
	receiver := NewStream()

	payload := []byte("a chunk boundary can land anywhere inside a compressed unit")
	wire, err := sender.Encode(payload)
	assert.NoError(t, err)
	if len(wire) < 4 {
		t.Fatalf("compressed unit too small to split: %v bytes", len(wire))
	}

	var out []byte
	mid := len(wire) / 2
	for _, part := range [][]byte{wire[:mid], wire[mid:]} {
		decoded, err := receiver.Decode(part, len(part))
		assert.NoError(t, err)
		out = append(out, decoded...)
	}
	assert.Equal(t, payload, out)
}

func TestDecodeGarbage(t *testing.T) {
	receiver := NewStream()
	_, err := receiver.Decode([]byte("this is not a zlib stream at all"), 32)
	assert.Error(t, err)
}
