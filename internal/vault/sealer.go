package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"formline/internal/config"
)

const sealedPrefix = "sb1:"

var errOpen = errors.New("vault: cannot open sealed value")

// Sealer encrypts token columns at rest. A nil Sealer stores values as given.
type Sealer struct {
	key [32]byte
}

// NewSealer returns nil when masterKey is empty.
func NewSealer(masterKey string) (*Sealer, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, nil
	}
	key, err := config.DecodeKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("vault master key: %w", err)
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Seal(plain string) (string, error) {
	if s == nil || plain == "" {
		return plain, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("vault nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if s == nil {
		return "", fmt.Errorf("%w: no master key configured", errOpen)
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(raw) < 24 {
		return "", errOpen
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", errOpen
	}
	return string(plain), nil
}
