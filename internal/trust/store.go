// Package trust implements a trust-on-first-use certificate pin store. The
// first certificate a host presents is recorded; later connections to the
// same host must present the same certificate.
package trust

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/amlith/wisp/internal/common"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrPinMismatch = errors.New("certificate differs from the pinned certificate")

	bucketPins = []byte("pins")
)

func i64ToB(value int64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, uint64(value))
	return oct
}

// Pin is one recorded host certificate.
type Pin struct {
	Host        string    `json:"host"`
	Fingerprint string    `json:"fingerprint"`
	PinnedAt    time.Time `json:"pinnedAt"`
}

type Store struct {
	db    *bolt.DB
	world common.WorldState
}

func OpenStore(dbPath string, world common.WorldState) (*Store, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPins)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:    db,
		world: world,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func Fingerprint(cert *x509.Certificate) [sha256.Size]byte {
	return sha256.Sum256(cert.Raw)
}

// Check reports whether host has a pin and whether cert matches it.
func (s *Store) Check(host string, cert *x509.Certificate) (known, match bool, err error) {
	fp := Fingerprint(cert)
	err = s.db.View(func(tx *bolt.Tx) error {
		record := tx.Bucket(bucketPins).Get([]byte(host))
		if record == nil {
			return nil
		}
		known = true
		match = len(record) >= sha256.Size && bytes.Equal(record[:sha256.Size], fp[:])
		return nil
	})
	return
}

// Record pins cert for host, overwriting any previous pin.
func (s *Store) Record(host string, cert *x509.Certificate) error {
	fp := Fingerprint(cert)
	record := append(fp[:], i64ToB(s.world.Now().Unix())...)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPins).Put([]byte(host), record)
	})
}

// Verify enforces the trust-on-first-use policy: an unknown host is pinned
// and accepted, a known host must match its pin.
func (s *Store) Verify(host string, cert *x509.Certificate) error {
	known, match, err := s.Check(host, cert)
	if err != nil {
		return err
	}
	if !known {
		return s.Record(host, cert)
	}
	if !match {
		return ErrPinMismatch
	}
	return nil
}

// Pins returns every recorded pin.
func (s *Store) Pins() ([]Pin, error) {
	var pins []Pin
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPins).ForEach(func(k, v []byte) error {
			pin := Pin{Host: string(k)}
			if len(v) >= sha256.Size {
				pin.Fingerprint = hex.EncodeToString(v[:sha256.Size])
			}
			if len(v) >= sha256.Size+8 {
				pin.PinnedAt = time.Unix(int64(binary.BigEndian.Uint64(v[sha256.Size:])), 0)
			}
			pins = append(pins, pin)
			return nil
		})
	})
	return pins, err
}
