package signing_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptforge/aptforge/pkg/signing"
	"github.com/aptforge/aptforge/testdata"
)

func TestNewFromFile(t *testing.T) {
	t.Parallel()

	signer, err := signing.NewFromFile(testdata.SigningKeyFile(t))
	require.NoError(t, err)
	require.NotNil(t, signer)
}

func TestNewFromFileMissing(t *testing.T) {
	t.Parallel()

	_, err := signing.NewFromFile("/does/not/exist.key")
	assert.ErrorIs(t, err, signing.ErrKeyImport)
}

func TestNewRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := signing.New(strings.NewReader("not a key"))
	assert.ErrorIs(t, err, signing.ErrKeyImport)
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	signer, err := signing.NewFromFile(testdata.SigningKeyFile(t))
	require.NoError(t, err)

	data := []byte("Origin: aptforge\nLabel: test\n")

	sig, err := signer.SignDetached(data)
	require.NoError(t, err)
	assert.Contains(t, string(sig), "BEGIN PGP SIGNATURE")

	pub, err := signer.PublicKey()
	require.NoError(t, err)
	assert.Contains(t, string(pub), "BEGIN PGP PUBLIC KEY BLOCK")
	assert.NotContains(t, string(pub), "PRIVATE KEY")

	require.NoError(t, signing.Verify(data, sig, pub))
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	t.Parallel()

	signer, err := signing.NewFromFile(testdata.SigningKeyFile(t))
	require.NoError(t, err)

	data := []byte("Origin: aptforge\n")

	sig, err := signer.SignDetached(data)
	require.NoError(t, err)

	pub, err := signer.PublicKey()
	require.NoError(t, err)

	err = signing.Verify([]byte("Origin: tampered\n"), sig, pub)
	assert.ErrorIs(t, err, signing.ErrVerify)
}
