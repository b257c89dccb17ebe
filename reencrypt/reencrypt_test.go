package reencrypt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allonsy/basalt-go/keys"
	"github.com/allonsy/basalt-go/resolver"
	"github.com/allonsy/basalt-go/vault"
)

// memUnlocker is a fakeUnlocker for reencrypt tests: every private key it
// holds is treated as pre-unlocked, so the engine never needs a PIN
// oracle to exercise the re-seal path.
type memUnlocker struct {
	all map[string]keys.PrivateKey
}

func (u memUnlocker) TryUnlock(deviceID string) (keys.PrivateKey, error) {
	p, ok := u.all[deviceID]
	if !ok {
		return keys.PrivateKey{}, os.ErrNotExist
	}
	return p, nil
}

func (u memUnlocker) Unlocked() map[string]keys.PrivateKey { return u.all }

func genDevice(t *testing.T, id string) (keys.PrivateKey, keys.PublicKeyWrapper) {
	t.Helper()
	priv, err := keys.GenerateRandom(id)
	require.NoError(t, err)
	pub, err := priv.Public()
	require.NoError(t, err)
	return priv, pub
}

func TestReencryptStripsRevokedRecipient(t *testing.T) {
	root := t.TempDir()
	laptop, laptopPub := genDevice(t, "laptop")
	_, phonePub := genDevice(t, "phone")

	v, err := vault.Seal([]byte("pw123\n"), []keys.PublicKeyWrapper{laptopPub, phonePub})
	require.NoError(t, err)
	raw, err := vault.Marshal(v)
	require.NoError(t, err)
	vaultPath := filepath.Join(root, "notes", "wifi")
	require.NoError(t, os.MkdirAll(filepath.Dir(vaultPath), 0o700))
	require.NoError(t, os.WriteFile(vaultPath, raw, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".recipients"), []byte("laptop\nphone\n"), 0o600))

	trustedAtHead := map[string]bool{"laptop": true} // phone was revoked
	lookup := func(id string) (keys.PublicKeyWrapper, bool) {
		if id == "laptop" {
			return laptopPub, true
		}
		return keys.PublicKeyWrapper{}, false
	}

	eng := New(root, resolver.New(root), nil)
	res, err := eng.Run(trustedAtHead, lookup, memUnlocker{all: map[string]keys.PrivateKey{"laptop": laptop}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Stripped)

	got, err := os.ReadFile(vaultPath)
	require.NoError(t, err)
	v2, err := vault.Unmarshal(got)
	require.NoError(t, err)
	require.Equal(t, []string{"laptop"}, v2.RecipientIDs())

	plaintext, err := vault.Open(v2, memUnlocker{all: map[string]keys.PrivateKey{"laptop": laptop}})
	require.NoError(t, err)
	require.Equal(t, []byte("pw123\n"), plaintext)
}

func TestReencryptIsIdempotent(t *testing.T) {
	root := t.TempDir()
	laptop, laptopPub := genDevice(t, "laptop")

	v, err := vault.Seal([]byte("secret"), []keys.PublicKeyWrapper{laptopPub})
	require.NoError(t, err)
	raw, err := vault.Marshal(v)
	require.NoError(t, err)
	vaultPath := filepath.Join(root, "secret")
	require.NoError(t, os.WriteFile(vaultPath, raw, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".recipients"), []byte("laptop\n"), 0o600))

	trustedAtHead := map[string]bool{"laptop": true}
	lookup := func(id string) (keys.PublicKeyWrapper, bool) {
		if id == "laptop" {
			return laptopPub, true
		}
		return keys.PublicKeyWrapper{}, false
	}
	unlocker := memUnlocker{all: map[string]keys.PrivateKey{"laptop": laptop}}
	eng := New(root, resolver.New(root), nil)

	res1, err := eng.Run(trustedAtHead, lookup, unlocker)
	require.NoError(t, err)
	require.Equal(t, 1, res1.Skipped) // already matches target, nothing to do

	after1, err := os.ReadFile(vaultPath)
	require.NoError(t, err)

	res2, err := eng.Run(trustedAtHead, lookup, unlocker)
	require.NoError(t, err)
	require.Equal(t, 1, res2.Skipped)

	after2, err := os.ReadFile(vaultPath)
	require.NoError(t, err)
	require.Equal(t, after1, after2)
}

func TestReencryptSkipsNonVaultAndHiddenFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "plain.txt"), []byte("not a vault"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".recipients"), []byte(""), 0o600))

	eng := New(root, resolver.New(root), nil)
	res, err := eng.Run(map[string]bool{}, func(string) (keys.PublicKeyWrapper, bool) { return keys.PublicKeyWrapper{}, false }, memUnlocker{all: map[string]keys.PrivateKey{}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 0, res.Failed)
}
