// pkg/secrets/box.go
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

// Box seals and opens the per-tenant opaque credential blob.
// With no key configured it passes plaintext through (dev only).
type Box struct {
	key []byte
}

func NewBox(key string) *Box {
	if key == "" {
		return &Box{}
	}
	return &Box{key: []byte(key)}
}

var ErrCorrupt = errors.New("secrets: ciphertext corrupt or wrong key")

// Seal encrypts plain with GCM if a key is set; else returns plain.
// Output layout: version byte 0x01, nonce, ciphertext.
func (b *Box) Seal(plain []byte) ([]byte, error) {
	if len(b.key) == 0 {
		return plain, nil
	}
	h := sha256.Sum256(b.key)
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, nonce, plain, nil)
	out := make([]byte, 1+len(nonce)+len(ct))
	out[0] = 0x01
	copy(out[1:1+len(nonce)], nonce)
	copy(out[1+len(nonce):], ct)
	return out, nil
}

// Open reverses Seal. Blobs not carrying the version byte are assumed
// to predate encryption and are returned as-is when no key is set.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(b.key) == 0 {
		return sealed, nil
	}
	if len(sealed) < 2 || sealed[0] != 0x01 {
		return nil, ErrCorrupt
	}
	h := sha256.Sum256(b.key)
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(sealed) < 1+ns+1 {
		return nil, ErrCorrupt
	}
	plain, err := gcm.Open(nil, sealed[1:1+ns], sealed[1+ns:], nil)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plain, nil
}
