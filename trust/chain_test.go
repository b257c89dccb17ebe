package trust

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allonsy/basalt-go/cryptoprim"
	"github.com/allonsy/basalt-go/keys"
)

func genDevice(t *testing.T, id string) (keys.PrivateKey, keys.PublicKeyWrapper) {
	t.Helper()
	priv, err := keys.GenerateRandom(id)
	require.NoError(t, err)
	pub, err := priv.Public()
	require.NoError(t, err)
	return priv, pub
}

func TestGenesisBootstrapSelfSigned(t *testing.T) {
	laptop, laptopPub := genDevice(t, "laptop")

	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)

	head := kc.HeadDigest()
	trusted, err := kc.Verify(head, Strict)
	require.NoError(t, err)
	require.Contains(t, trusted, "laptop")
	require.Equal(t, laptopPub.Key, trusted["laptop"])
}

func TestVerifyFailsOnTamperedLink(t *testing.T) {
	laptop, laptopPub := genDevice(t, "laptop")
	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)
	head := kc.HeadDigest()

	kc.Chain[0].Signature.SigBytes[0] ^= 0xFF
	_, err := kc.Verify(head, Strict)
	require.Error(t, err)
}

func TestVerifyFailsOnBrokenParent(t *testing.T) {
	laptop, laptopPub := genDevice(t, "laptop")
	_, phonePub := genDevice(t, "phone")

	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)
	kc.AppendNewKey(phonePub, "laptop", laptop)
	head := kc.HeadDigest()

	kc.Chain[1].Parent[0] ^= 0xFF
	_, err := kc.Verify(head, Strict)
	require.Error(t, err)
}

func TestSignaturePayloadIsHashOfParentAndEventDigest(t *testing.T) {
	laptop, laptopPub := genDevice(t, "laptop")
	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)

	link := kc.Chain[0]
	eventDigest := link.Event.Digest()
	want := cryptoprim.HashConcat(link.Parent, eventDigest[:])
	require.Equal(t, want[:], link.SigPayload())
}

func TestRevokeRemovesTrustButOldSignaturesStillVerify(t *testing.T) {
	laptop, laptopPub := genDevice(t, "laptop")
	phone, phonePub := genDevice(t, "phone")

	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)
	kc.AppendNewKey(phonePub, "laptop", laptop)
	require.NoError(t, kc.AppendRevoke("phone", phonePub, "laptop", laptop))

	head := kc.HeadDigest()
	trusted, err := kc.Verify(head, Strict)
	require.NoError(t, err)
	require.NotContains(t, trusted, "phone")
	require.Contains(t, trusted, "laptop")

	// The NewKey link phone never signed anything itself here, but the
	// point being tested is that verification of the earlier NewKey(phone)
	// link (signed by laptop) is unaffected by the later revoke.
	require.True(t, laptopPub.Key.Verify(kc.Chain[1].Signature.SigBytes, kc.Chain[1].SigPayload()))
}

func TestSelfRevocationDisallowed(t *testing.T) {
	laptop, laptopPub := genDevice(t, "laptop")
	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)

	err := kc.AppendRevoke("laptop", laptopPub, "laptop", laptop)
	require.Error(t, err)
}

func TestSignRequestGating(t *testing.T) {
	laptop, laptopPub := genDevice(t, "laptop")
	phone, phonePub := genDevice(t, "phone")

	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)
	mergeHead := kc.HeadDigest()
	kc.AppendSignRequest(phonePub, phone)

	// Strict mode must reject any chain containing a SignRequest.
	_, err := kc.Verify(mergeHead, Strict)
	require.Error(t, err)

	// Merge mode accepts it as the last link.
	trusted, err := kc.Verify(mergeHead, Merge)
	require.NoError(t, err)
	require.Contains(t, trusted, "laptop")
	require.NotContains(t, trusted, "phone") // SignRequest does not grant membership

	// Appending a NewKey after a pending SignRequest and re-verifying in
	// strict mode must fail, since strict mode rejects any chain that
	// still contains a SignRequest.
	kc.AppendNewKey(phonePub, "laptop", laptop)
	_, err = kc.Verify(kc.HeadDigest(), Strict)
	require.Error(t, err)
}

func TestSecondDeviceMergeFlow(t *testing.T) {
	laptop, laptopPub := genDevice(t, "laptop")
	phone, phonePub := genDevice(t, "phone")

	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)
	preHead := kc.HeadDigest()
	kc.AppendSignRequest(phonePub, phone)

	_, err := kc.Verify(preHead, Merge)
	require.NoError(t, err)

	// laptop replaces the pending SignRequest with a NewKey it signs.
	kc.Chain = kc.Chain[:len(kc.Chain)-1]
	kc.AppendNewKey(phonePub, "laptop", laptop)

	trusted, err := kc.Verify(kc.HeadDigest(), Strict)
	require.NoError(t, err)
	require.Len(t, trusted, 2)
	require.Contains(t, trusted, "laptop")
	require.Contains(t, trusted, "phone")
}

func TestStoreSaveLoadRoundTripAndHeadFile(t *testing.T) {
	dir := t.TempDir()
	store := Store{ChainFile: dir + "/keychain.json", HeadFile: dir + "/.head"}

	laptop, laptopPub := genDevice(t, "laptop")
	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)
	require.NoError(t, store.Save(kc))

	head, err := store.ReadHead()
	require.NoError(t, err)
	require.Equal(t, kc.HeadDigest(), head)

	loaded, err := store.Load()
	require.NoError(t, err)
	trusted, err := loaded.Verify(head, Strict)
	require.NoError(t, err)
	require.Contains(t, trusted, "laptop")
}

func TestStoreVerifyMergeAdvancesHeadOnSignRequest(t *testing.T) {
	dir := t.TempDir()
	store := Store{ChainFile: dir + "/keychain.json", HeadFile: dir + "/.head"}

	laptop, laptopPub := genDevice(t, "laptop")
	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)
	require.NoError(t, store.Save(kc))
	originalHead, err := store.ReadHead()
	require.NoError(t, err)

	phone, phonePub := genDevice(t, "phone")
	kc.AppendSignRequest(phonePub, phone)

	trusted, err := store.VerifyMerge(kc)
	require.NoError(t, err)
	require.Contains(t, trusted, "laptop")

	newHead, err := store.ReadHead()
	require.NoError(t, err)
	require.NotEqual(t, originalHead, newHead)
	require.Equal(t, kc.HeadDigest(), newHead)
}

func TestIsValidDeviceID(t *testing.T) {
	laptop, laptopPub := genDevice(t, "laptop")
	_, phonePub := genDevice(t, "phone")

	kc := New()
	kc.AppendNewKey(laptopPub, "laptop", laptop)
	kc.AppendNewKey(phonePub, "laptop", laptop)
	require.NoError(t, kc.AppendRevoke("phone", phonePub, "laptop", laptop))

	require.True(t, kc.IsValidDeviceID("laptop"))
	require.False(t, kc.IsValidDeviceID("phone"))
	require.False(t, kc.IsValidDeviceID("nonexistent"))
}
