package testdata

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

//nolint:gochecknoglobals
var (
	keyOnce    sync.Once
	keyArmored string
	keyErr     error
)

// SigningKey returns an ASCII-armored OpenPGP private key. The key is
// generated once per test binary since key generation is expensive.
func SigningKey(t *testing.T) string {
	t.Helper()

	keyOnce.Do(func() {
		keyArmored, keyErr = generateKey()
	})

	if keyErr != nil {
		t.Fatalf("error generating the signing key: %s", keyErr)
	}

	return keyArmored
}

// SigningKeyFile writes the test signing key into a temporary directory and
// returns its path.
func SigningKeyFile(t *testing.T) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "repo.key")
	if err := os.WriteFile(p, []byte(SigningKey(t)), 0o600); err != nil {
		t.Fatalf("error writing the signing key: %s", err)
	}

	return p
}

func generateKey() (string, error) {
	entity, err := openpgp.NewEntity("aptforge test", "", "test@aptforge.test", &packet.Config{
		RSABits: 2048,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder

	aw, err := armor.Encode(&sb, openpgp.PrivateKeyType, nil)
	if err != nil {
		return "", err
	}

	if err := entity.SerializePrivate(aw, nil); err != nil {
		return "", err
	}

	if err := aw.Close(); err != nil {
		return "", err
	}

	return sb.String(), nil
}
