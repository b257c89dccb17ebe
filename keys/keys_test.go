package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateRandomProducesUsableKeypair(t *testing.T) {
	priv, err := GenerateRandom("laptop")
	require.NoError(t, err)
	require.Equal(t, Sodium, priv.Kind)

	pub, err := priv.Public()
	require.NoError(t, err)
	require.Equal(t, "laptop", pub.DeviceID)

	ct, err := pub.Key.Encrypt([]byte("hello"))
	require.NoError(t, err)
	pt, err := priv.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)

	sig := priv.SignDetached([]byte("msg"))
	require.True(t, pub.Key.Verify(sig, []byte("msg")))
	require.False(t, pub.Key.Verify(sig, []byte("other msg")))
}

func TestGeneratePaperIsDeterministic(t *testing.T) {
	seed := []byte("correct horse battery staple")
	priv1, err := GeneratePaper("paper", seed)
	require.NoError(t, err)
	priv2, err := GeneratePaper("paper", seed)
	require.NoError(t, err)
	require.Equal(t, priv1, priv2)
	require.Equal(t, PaperKey, priv1.Kind)
}

func TestGeneratePaperRejectsEmptySeed(t *testing.T) {
	_, err := GeneratePaper("paper", nil)
	require.Error(t, err)
}

func TestPublicKeyWrapperDigestIsContentAddressed(t *testing.T) {
	priv, err := GenerateRandom("laptop")
	require.NoError(t, err)
	pub, err := priv.Public()
	require.NoError(t, err)

	d1 := pub.Digest()
	d2 := pub.Digest()
	require.Equal(t, d1, d2)

	otherPriv, err := GenerateRandom("laptop")
	require.NoError(t, err)
	otherPub, err := otherPriv.Public()
	require.NoError(t, err)
	require.NotEqual(t, d1, otherPub.Digest())
}
