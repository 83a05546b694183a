package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Sealer encrypts token material with NaCl secretbox
type Sealer struct {
	key [32]byte
}

// NewSealer accepts a base64 encoded 32 byte key, or any other string which
// is treated as a passphrase and hashed down to a key
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("credential encryption key is empty")
	}

	s := &Sealer{}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == 32 {
		copy(s.key[:], raw)
		return s, nil
	}
	s.key = sha256.Sum256([]byte(secret))
	return s, nil
}

func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed credential too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("credential decryption failed, wrong key?")
	}
	return plain, nil
}
