package quicutil

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret into a 32-byte key bound to label. An empty
// secret yields a random key, so ids derived from it do not survive a
// restart.
func DeriveKey(secret []byte, label string) ([32]byte, error) {
	var key [32]byte
	var r io.Reader = rand.Reader
	if len(secret) > 0 {
		r = hkdf.New(sha256.New, secret, nil, []byte(label))
	}
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("failed to derive %s key: %w", label, err)
	}
	return key, nil
}
