// Package reencrypt walks the store tree and brings every vault file's
// recipient set back in line with its resolved target, stripping extras
// in place when no decryption is needed and fully re-sealing otherwise.
// Grounded on spec.md §4.8 and on the teacher's atomic write-to-temp
// idiom used throughout its key store.
package reencrypt

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"github.com/allonsy/basalt-go/errs"
	"github.com/allonsy/basalt-go/keys"
	"github.com/allonsy/basalt-go/resolver"
	"github.com/allonsy/basalt-go/vault"
)

// Unlocker is the subset of unlock.Session the engine needs to re-seal a
// vault that requires decryption.
type Unlocker interface {
	TryUnlock(deviceID string) (keys.PrivateKey, error)
	Unlocked() map[string]keys.PrivateKey
}

// Engine re-encrypts every vault file in a store tree to match its
// resolved recipient set.
type Engine struct {
	StoreRoot string
	Resolver  resolver.Resolver
	Log       *slog.Logger
}

func New(storeRoot string, res resolver.Resolver, log *slog.Logger) Engine {
	if log == nil {
		log = slog.Default()
	}
	return Engine{StoreRoot: storeRoot, Resolver: res, Log: log}
}

// Result summarizes one run.
type Result struct {
	Stripped int
	Resealed int
	Skipped  int
	Failed   int
}

// Run walks the store tree, skipping hidden entries, and brings each
// vault file's recipients in line with target := resolve(path) ∩
// trustedAtHead. Per-file failures are logged and counted, never fatal
// to the overall run.
func (e Engine) Run(trustedAtHead map[string]bool, lookup func(deviceID string) (keys.PublicKeyWrapper, bool), unlocker Unlocker) (Result, error) {
	return e.RunScoped(e.StoreRoot, trustedAtHead, lookup, unlocker)
}

// RunScoped is Run restricted to the subtree rooted at walkRoot (an
// absolute path under e.StoreRoot), while still resolving each file's
// recipients against the full store root — so a single-path `reencrypt
// <path>` invocation sees the same .recipients ancestry a full run would.
func (e Engine) RunScoped(walkRoot string, trustedAtHead map[string]bool, lookup func(deviceID string) (keys.PublicKeyWrapper, bool), unlocker Unlocker) (Result, error) {
	var res Result

	err := filepath.WalkDir(walkRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			e.Log.Warn("walk failed", "path", path, "error", err)
			res.Failed++
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			return nil
		}

		rel, relErr := filepath.Rel(e.StoreRoot, path)
		if relErr != nil {
			res.Failed++
			return nil
		}

		if ferr := e.reencryptOne(rel, path, trustedAtHead, lookup, unlocker, &res); ferr != nil {
			e.Log.Warn("reencrypt failed", "path", rel, "error", ferr)
			res.Failed++
		}
		return nil
	})
	if err != nil {
		return res, errs.Wrap(errs.IO, "walk store tree", err)
	}
	return res, nil
}

func (e Engine) reencryptOne(
	rel, absPath string,
	trustedAtHead map[string]bool,
	lookup func(deviceID string) (keys.PublicKeyWrapper, bool),
	unlocker Unlocker,
	res *Result,
) error {
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return errs.Wrap(errs.IO, "read candidate file", err)
	}
	v, err := vault.Unmarshal(raw)
	if err != nil {
		// Not a vault file (or corrupt); not this engine's concern.
		res.Skipped++
		return nil
	}

	ids, err := e.Resolver.Resolve(rel)
	if err != nil {
		return err
	}
	targetIDs := lo.Uniq(lo.Filter(ids, func(id string, _ int) bool { return trustedAtHead[id] }))
	currentIDs := lo.Uniq(v.RecipientIDs())
	target := lo.SliceToMap(targetIDs, func(id string) (string, bool) { return id, true })

	if len(lo.Without(targetIDs, currentIDs...)) == 0 && len(lo.Without(currentIDs, targetIDs...)) == 0 {
		res.Skipped++
		return nil
	}

	if lo.Every(currentIDs, targetIDs) {
		v.Strip(target)
		return e.writeVault(absPath, v, &res.Stripped)
	}

	plaintext, err := vault.Open(v, unlocker)
	if err != nil {
		return err
	}
	var recipients []keys.PublicKeyWrapper
	for id := range target {
		w, ok := lookup(id)
		if !ok {
			continue
		}
		recipients = append(recipients, w)
	}
	vault.SortRecipients(recipients)

	fresh, err := vault.Seal(plaintext, recipients)
	if err != nil {
		return err
	}
	return e.writeVault(absPath, fresh, &res.Resealed)
}

func (e Engine) writeVault(path string, v *vault.Vault, counter *int) error {
	raw, err := vault.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errs.Wrap(errs.IO, "write vault", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.IO, "commit vault", err)
	}
	*counter++
	return nil
}
