package unlock

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allonsy/basalt-go/cryptoprim"
	"github.com/allonsy/basalt-go/errs"
	"github.com/allonsy/basalt-go/keys"
	"github.com/allonsy/basalt-go/keystore"
	"github.com/allonsy/basalt-go/pinentry"
)

func fastParams() cryptoprim.KDFParams {
	return cryptoprim.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}
}

// fixedPinOracle is an Oracle backed by a tiny shell helper that always
// answers the given pin to GETPIN.
func fixedPinOracle(t *testing.T, pin string) pinentry.Oracle {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scripted pinentry helper requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-pinentry.sh")
	script := "#!/bin/sh\necho OK\nwhile read -r line; do\n" +
		"  case \"$line\" in\n" +
		"    SETDESC*) echo OK ;;\n" +
		"    GETPIN) echo \"D " + pin + "\"; echo OK ;;\n" +
		"    BYE) echo OK; exit 0 ;;\n" +
		"    *) echo \"ERR unknown\" ;;\n" +
		"  esac\n" +
		"done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return pinentry.New(path)
}

func TestTryUnlockUnencryptedKeyNeedsNoPin(t *testing.T) {
	dir := t.TempDir()
	store := keystore.New(dir, fastParams())
	priv, err := keys.GenerateRandom("laptop")
	require.NoError(t, err)
	require.NoError(t, store.Write("laptop", keystore.PlainOnDisk(priv)))

	shared := NewShared(store, pinentry.New("unused"), 3)
	session := NewSession(shared)

	got, err := session.TryUnlock("laptop")
	require.NoError(t, err)
	require.Equal(t, priv, got)
}

func TestTryUnlockCorrectPinCachesAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	store := keystore.New(dir, fastParams())
	priv, err := keys.GenerateRandom("laptop")
	require.NoError(t, err)
	sealed, err := store.EncryptWithPin(priv, "1234")
	require.NoError(t, err)
	require.NoError(t, store.Write("laptop", keystore.EncryptedOnDisk("laptop", keys.Sodium, sealed)))

	oracle := fixedPinOracle(t, "1234")
	shared := NewShared(store, oracle, 3)

	session1 := NewSession(shared)
	got, err := session1.TryUnlock("laptop")
	require.NoError(t, err)
	require.Equal(t, priv, got)

	// A second session on the same shared state sees the cached key
	// without prompting again.
	session2 := NewSession(shared)
	got2, err := session2.TryUnlock("laptop")
	require.NoError(t, err)
	require.Equal(t, priv, got2)
}

func TestLockoutAfterMaxTriesPersistsUntilReload(t *testing.T) {
	dir := t.TempDir()
	store := keystore.New(dir, fastParams())
	priv, err := keys.GenerateRandom("laptop")
	require.NoError(t, err)
	sealed, err := store.EncryptWithPin(priv, "1234")
	require.NoError(t, err)
	require.NoError(t, store.Write("laptop", keystore.EncryptedOnDisk("laptop", keys.Sodium, sealed)))

	oracle := fixedPinOracle(t, "9999")
	shared := NewShared(store, oracle, 3)
	session := NewSession(shared)

	_, err = session.TryUnlock("laptop")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Lockout))

	// Further attempts within the same agent session return Lockout
	// immediately without prompting again.
	_, err = session.TryUnlock("laptop")
	require.True(t, errs.Is(err, errs.Lockout))

	newSession := NewSession(shared)
	_, err = newSession.TryUnlock("laptop")
	require.True(t, errs.Is(err, errs.Lockout))

	shared.Reload()
	correctOracle := fixedPinOracle(t, "1234")
	shared.oracle = correctOracle
	postReload := NewSession(shared)
	got, err := postReload.TryUnlock("laptop")
	require.NoError(t, err)
	require.Equal(t, priv, got)
}
