package keystore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allonsy/basalt-go/cryptoprim"
	"github.com/allonsy/basalt-go/errs"
	"github.com/allonsy/basalt-go/keys"
)

func fastParams() cryptoprim.KDFParams {
	return cryptoprim.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}
}

func TestWriteReadRoundTripUnencrypted(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, fastParams())

	priv, err := keys.GenerateRandom("laptop")
	require.NoError(t, err)

	require.NoError(t, store.Write("laptop", PlainOnDisk(priv)))

	onDisk, err := store.Read("laptop")
	require.NoError(t, err)
	require.False(t, onDisk.IsEncrypted())

	got, err := onDisk.ToPrivateKey()
	require.NoError(t, err)
	require.Equal(t, priv, got)
}

func TestEncryptDecryptWithPinRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, fastParams())

	priv, err := keys.GenerateRandom("laptop")
	require.NoError(t, err)

	sealed, err := store.EncryptWithPin(priv, "1234")
	require.NoError(t, err)
	onDisk := EncryptedOnDisk("laptop", keys.Sodium, sealed)
	require.True(t, onDisk.IsEncrypted())

	got, err := store.DecryptWithPin(onDisk, "1234")
	require.NoError(t, err)
	require.Equal(t, priv, got)
}

func TestDecryptWithWrongPinReturnsWrongPinKind(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, fastParams())

	priv, err := keys.GenerateRandom("laptop")
	require.NoError(t, err)
	sealed, err := store.EncryptWithPin(priv, "1234")
	require.NoError(t, err)
	onDisk := EncryptedOnDisk("laptop", keys.Sodium, sealed)

	_, err = store.DecryptWithPin(onDisk, "9999")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.WrongPin))
}

func TestListDeviceIDs(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, fastParams())

	priv1, err := keys.GenerateRandom("laptop")
	require.NoError(t, err)
	priv2, err := keys.GenerateRandom("phone")
	require.NoError(t, err)
	require.NoError(t, store.Write("laptop", PlainOnDisk(priv1)))
	require.NoError(t, store.Write("phone", PlainOnDisk(priv2)))

	ids, err := store.ListDeviceIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"laptop", "phone"}, ids)
}

func TestReadMissingKeyIsError(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, fastParams())

	_, err := store.Read("ghost")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.IO))
}
