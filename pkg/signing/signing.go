// Package signing produces the detached OpenPGP signatures that apt clients
// verify against the repository's public key.
package signing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

var (
	// ErrKeyImport is returned when the private key cannot be loaded.
	ErrKeyImport = errors.New("error importing the signing key")

	// ErrNoPrivateKey is returned when the key ring has no usable private key.
	ErrNoPrivateKey = errors.New("no private key found in the key ring")

	// ErrKeyEncrypted is returned when the private key requires a passphrase.
	ErrKeyEncrypted = errors.New("the private key is encrypted")

	// ErrSign is returned when producing a signature fails.
	ErrSign = errors.New("error signing the data")

	// ErrVerify is returned when a signature does not validate.
	ErrVerify = errors.New("error verifying the signature")
)

// Signer holds one private signing key and produces detached ASCII-armored
// signatures with it.
type Signer struct {
	entity *openpgp.Entity
}

// New reads an ASCII-armored private key from r and returns a Signer
// holding it. The key must not be passphrase protected.
func New(r io.Reader) (*Signer, error) {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyImport, err)
	}

	for _, entity := range entities {
		if entity.PrivateKey == nil {
			continue
		}

		if entity.PrivateKey.Encrypted {
			return nil, ErrKeyEncrypted
		}

		return &Signer{entity: entity}, nil
	}

	return nil, ErrNoPrivateKey
}

// NewFromFile loads the signing key from the file at path.
func NewFromFile(path string) (*Signer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyImport, err)
	}

	defer f.Close()

	return New(f)
}

// SignDetached returns a detached ASCII-armored signature over data.
func (s *Signer) SignDetached(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	if err := openpgp.ArmoredDetachSign(&buf, s.entity, bytes.NewReader(data), nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSign, err)
	}

	return buf.Bytes(), nil
}

// PublicKey returns the ASCII-armored public key matching the held private
// key, served verbatim to apt clients.
func (s *Signer) PublicKey() ([]byte, error) {
	var buf bytes.Buffer

	aw, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting the armor encoder: %w", err)
	}

	if err := s.entity.Serialize(aw); err != nil {
		return nil, fmt.Errorf("error serializing the public key: %w", err)
	}

	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("error closing the armor encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// Verify checks a detached ASCII-armored signature over signed against an
// ASCII-armored public key.
func Verify(signed, signature, publicKey []byte) error {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(string(publicKey)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyImport, err)
	}

	_, err = openpgp.CheckArmoredDetachedSignature(
		keyring,
		bytes.NewReader(signed),
		bytes.NewReader(signature),
		nil,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerify, err)
	}

	return nil
}
