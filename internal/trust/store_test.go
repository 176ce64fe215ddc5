package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/amlith/wisp/internal/common"
	"github.com/stretchr/testify/assert"
)

func makeCert(t *testing.T, cn string) *x509.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func tempStore(t *testing.T, world common.WorldState) *Store {
	store, err := OpenStore(filepath.Join(t.TempDir(), "pins.db"), world)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCheckUnknownHost(t *testing.T) {
	store := tempStore(t, common.RealWorldState)
	known, match, err := store.Check("example.org", makeCert(t, "example.org"))
	assert.NoError(t, err)
	assert.False(t, known)
	assert.False(t, match)
}

func TestRecordThenCheck(t *testing.T) {
	store := tempStore(t, common.RealWorldState)
	cert := makeCert(t, "example.org")
	other := makeCert(t, "example.org")

	assert.NoError(t, store.Record("example.org", cert))

	known, match, err := store.Check("example.org", cert)
	assert.NoError(t, err)
	assert.True(t, known)
	assert.True(t, match)

	known, match, err = store.Check("example.org", other)
	assert.NoError(t, err)
	assert.True(t, known)
	assert.False(t, match)
}

func TestVerifyTrustOnFirstUse(t *testing.T) {
	store := tempStore(t, common.RealWorldState)
	cert := makeCert(t, "example.org")
	imposter := makeCert(t, "example.org")

	// first sighting pins and accepts
	assert.NoError(t, store.Verify("example.org", cert))
	// the same certificate keeps passing
	assert.NoError(t, store.Verify("example.org", cert))
	// a different certificate for a pinned host is rejected
	assert.ErrorIs(t, store.Verify("example.org", imposter), ErrPinMismatch)
	// and the rejection must not replace the pin
	assert.NoError(t, store.Verify("example.org", cert))
}

func TestPinsListing(t *testing.T) {
	pinnedAt := time.Unix(1700000000, 0)
	store := tempStore(t, common.WorldOfTime(pinnedAt))
	cert := makeCert(t, "a.example.org")
	assert.NoError(t, store.Record("a.example.org", cert))
	assert.NoError(t, store.Record("b.example.org", makeCert(t, "b.example.org")))

	pins, err := store.Pins()
	assert.NoError(t, err)
	assert.Len(t, pins, 2)

	fp := Fingerprint(cert)
	assert.Equal(t, "a.example.org", pins[0].Host)
	assert.Equal(t, hex.EncodeToString(fp[:]), pins[0].Fingerprint)
	assert.Equal(t, pinnedAt.Unix(), pins[0].PinnedAt.Unix())
}
