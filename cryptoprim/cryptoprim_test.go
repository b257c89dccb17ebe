package cryptoprim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	pk, sk, err := GenerateEncKeypair()
	require.NoError(t, err)

	msg := []byte("wifi password is hunter2")
	ct, err := Seal(pk, msg)
	require.NoError(t, err)
	require.NotEqual(t, msg, ct)

	pt, err := Unseal(sk, ct)
	require.NoError(t, err)
	require.Equal(t, msg, pt)
}

func TestUnsealWrongKeyFails(t *testing.T) {
	pk, _, err := GenerateEncKeypair()
	require.NoError(t, err)
	_, otherSK, err := GenerateEncKeypair()
	require.NoError(t, err)

	ct, err := Seal(pk, []byte("secret"))
	require.NoError(t, err)

	_, err = Unseal(otherSK, ct)
	require.Error(t, err)
}

func TestUnsealTamperedCiphertextFails(t *testing.T) {
	pk, sk, err := GenerateEncKeypair()
	require.NoError(t, err)

	ct, err := Seal(pk, []byte("secret"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = Unseal(sk, ct)
	require.Error(t, err)
}

func TestSignVerifyDetached(t *testing.T) {
	seed, err := GenerateSignSeed()
	require.NoError(t, err)
	pk := seed.Public()

	msg := []byte("new key: laptop")
	sig := SignDetached(seed, msg)
	require.True(t, VerifyDetached(pk, sig, msg))

	flipped := append([]byte(nil), sig...)
	flipped[0] ^= 0xFF
	require.False(t, VerifyDetached(pk, flipped, msg))
	require.False(t, VerifyDetached(pk, sig, []byte("tampered message")))
}

func TestAEADSealOpenRoundTrip(t *testing.T) {
	key, err := RandomSymmetricKey()
	require.NoError(t, err)
	nonce, err := RandomNonce()
	require.NoError(t, err)

	msg := []byte("pw123\n")
	ct := AEADSeal(key, nonce, msg)
	pt, err := AEADOpen(key, nonce, ct)
	require.NoError(t, err)
	require.Equal(t, msg, pt)

	ct[0] ^= 0xFF
	_, err = AEADOpen(key, nonce, ct)
	require.Error(t, err)
}

func TestKDFDeterministic(t *testing.T) {
	params := KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}
	salt := []byte("0123456789abcdef")

	k1 := KDF([]byte("hunter2"), salt, params)
	k2 := KDF([]byte("hunter2"), salt, params)
	require.Equal(t, k1, k2)

	k3 := KDF([]byte("different"), salt, params)
	require.NotEqual(t, k1, k3)
}

func TestHashConcatMatchesManualConcat(t *testing.T) {
	a, b := []byte("parent"), []byte("event")
	got := HashConcat(a, b)
	want := Hash(append(append([]byte{}, a...), b...))
	require.Equal(t, want, got)
}
