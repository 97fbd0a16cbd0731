package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dbosk/weblogin"
)

// ErrDecrypt is returned when a sealed snapshot cannot be opened, either
// because the key is wrong or the data was tampered with.
var ErrDecrypt = errors.New("cannot decrypt sealed snapshot")

// Cipher seals and opens snapshots with a symmetric key. Snapshots carry
// live cookies and handler credentials, so backends shared beyond the owning
// user should store them sealed.
type Cipher struct {
	key [32]byte
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cipher key must be 32 bytes, got %d", len(key))
	}
	var c Cipher
	copy(c.key[:], key)
	return &c, nil
}

// Seal serializes and encrypts a snapshot. The random nonce is prepended to
// the box.
func (c *Cipher) Seal(snap *weblogin.Snapshot) ([]byte, error) {
	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal snapshot: %w", err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("cannot generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &c.key), nil
}

// Open decrypts and deserializes a sealed snapshot.
func (c *Cipher) Open(sealed []byte) (*weblogin.Snapshot, error) {
	if len(sealed) < 24 {
		return nil, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return nil, ErrDecrypt
	}
	var snap weblogin.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("sealed data opened but does not hold a snapshot: %w", err)
	}
	return &snap, nil
}
