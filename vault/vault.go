// Package vault is the vault envelope: a file sealed to zero or more
// recipients under a random per-file symmetric key, each recipient
// holding an independently-wrapped copy of that key. Grounded on the
// original source's agent/vault.rs (seal/open, the "unlocked first, then
// try_unlock, first success wins" iteration order) and on the teacher's
// use of nacl/secretbox for at-rest AEAD.
package vault

import (
	"encoding/base32"
	"encoding/json"
	"sort"

	"github.com/allonsy/basalt-go/cryptoprim"
	"github.com/allonsy/basalt-go/errs"
	"github.com/allonsy/basalt-go/keys"
)

var b32 = base32.StdEncoding

// Recipient is one wrapped copy of a vault's symmetric key.
type Recipient struct {
	DeviceID string
	Wrapped  []byte
}

// Vault is the sealed envelope persisted to the store tree.
type Vault struct {
	Nonce      [cryptoprim.NonceSize]byte
	Ciphertext []byte
	Recipients []Recipient
}

// Unlocker resolves a device id to a usable PrivateKey, or fails (e.g. a
// canceled PIN prompt, lockout, or an unreadable on-disk key).
type Unlocker interface {
	TryUnlock(deviceID string) (keys.PrivateKey, error)
	Unlocked() map[string]keys.PrivateKey
}

// Seal builds a fresh Vault: a random symmetric key encrypts plaintext
// once, and each recipient in recipients gets its own sealed copy of
// that key, in stable (caller-supplied) order.
func Seal(plaintext []byte, recipients []keys.PublicKeyWrapper) (*Vault, error) {
	symKey, err := cryptoprim.RandomSymmetricKey()
	if err != nil {
		return nil, err
	}
	nonce, err := cryptoprim.RandomNonce()
	if err != nil {
		return nil, err
	}
	ciphertext := cryptoprim.AEADSeal(symKey, nonce, plaintext)

	out := make([]Recipient, 0, len(recipients))
	for _, r := range recipients {
		wrapped, err := r.Key.Encrypt(symKey[:])
		if err != nil {
			return nil, err
		}
		out = append(out, Recipient{DeviceID: r.DeviceID, Wrapped: wrapped})
	}

	return &Vault{Nonce: nonce, Ciphertext: ciphertext, Recipients: out}, nil
}

// Open decrypts v, trying recipients already unlocked in this session
// first, then attempting to unlock every remaining candidate in stored
// order. A recipient whose wrapped key fails to unseal or decrypt is
// skipped with no surfaced error until every recipient is exhausted.
func Open(v *Vault, u Unlocker) ([]byte, error) {
	alreadyUnlocked := u.Unlocked()

	var tryOrder []Recipient
	var remainder []Recipient
	for _, r := range v.Recipients {
		if _, ok := alreadyUnlocked[r.DeviceID]; ok {
			tryOrder = append(tryOrder, r)
		} else {
			remainder = append(remainder, r)
		}
	}
	tryOrder = append(tryOrder, remainder...)

	for _, r := range tryOrder {
		priv, err := u.TryUnlock(r.DeviceID)
		if err != nil {
			continue
		}
		symKeyBytes, err := priv.Decrypt(r.Wrapped)
		if err != nil {
			continue
		}
		if len(symKeyBytes) != 32 {
			continue
		}
		var symKey [32]byte
		copy(symKey[:], symKeyBytes)
		plaintext, err := cryptoprim.AEADOpen(symKey, v.Nonce, v.Ciphertext)
		if err != nil {
			continue
		}
		return plaintext, nil
	}

	return nil, errs.New(errs.NoUsableKey, "no recipient key could open this file")
}

// RecipientIDs returns the device ids currently wrapped in v, in stored
// order.
func (v *Vault) RecipientIDs() []string {
	ids := make([]string, len(v.Recipients))
	for i, r := range v.Recipients {
		ids[i] = r.DeviceID
	}
	return ids
}

// Strip rewrites v in place, keeping only recipients whose device id is
// in keep. No decryption is required: the ciphertext and every retained
// recipient's wrapped key are untouched.
func (v *Vault) Strip(keep map[string]bool) {
	out := v.Recipients[:0]
	for _, r := range v.Recipients {
		if keep[r.DeviceID] {
			out = append(out, r)
		}
	}
	v.Recipients = out
}

// ----- persistence -----

type jsonRecipient struct {
	DeviceID string `json:"device_id"`
	Wrapped  string `json:"wrapped_key"`
}

type jsonVault struct {
	Nonce      string          `json:"nonce"`
	Ciphertext string          `json:"ciphertext"`
	Recipients []jsonRecipient `json:"recipients"`
}

// Marshal serializes v deterministically (recipients already carry
// whatever order the caller established; Seal and Strip preserve it).
func Marshal(v *Vault) ([]byte, error) {
	jv := jsonVault{
		Nonce:      b32.EncodeToString(v.Nonce[:]),
		Ciphertext: b32.EncodeToString(v.Ciphertext),
		Recipients: make([]jsonRecipient, 0, len(v.Recipients)),
	}
	for _, r := range v.Recipients {
		jv.Recipients = append(jv.Recipients, jsonRecipient{
			DeviceID: r.DeviceID,
			Wrapped:  b32.EncodeToString(r.Wrapped),
		})
	}
	raw, err := json.Marshal(jv)
	if err != nil {
		return nil, errs.Wrap(errs.Format, "marshal vault", err)
	}
	return raw, nil
}

// Unmarshal parses a serialized Vault. A caller that only needs to
// recognize whether a file IS a vault (the reencrypt engine's per-file
// scan) should treat any error here as "not a vault" rather than fatal.
func Unmarshal(raw []byte) (*Vault, error) {
	var jv jsonVault
	if err := json.Unmarshal(raw, &jv); err != nil {
		return nil, errs.Wrap(errs.Format, "parse vault", err)
	}
	nonce, err := b32.DecodeString(jv.Nonce)
	if err != nil || len(nonce) != cryptoprim.NonceSize {
		return nil, errs.Formatf("malformed vault nonce")
	}
	ciphertext, err := b32.DecodeString(jv.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.Format, "decode vault ciphertext", err)
	}
	v := &Vault{Ciphertext: ciphertext}
	copy(v.Nonce[:], nonce)
	v.Recipients = make([]Recipient, 0, len(jv.Recipients))
	for _, r := range jv.Recipients {
		wrapped, err := b32.DecodeString(r.Wrapped)
		if err != nil {
			return nil, errs.Wrap(errs.Format, "decode recipient payload", err)
		}
		v.Recipients = append(v.Recipients, Recipient{DeviceID: r.DeviceID, Wrapped: wrapped})
	}
	return v, nil
}

// SortRecipients orders recipients by kind priority (Sodium, Yubikey,
// PaperKey) then device id, matching the deterministic ordering the
// original source's sort_recipient establishes.
func SortRecipients(recipients []keys.PublicKeyWrapper) {
	priority := func(k keys.Kind) int {
		switch k {
		case keys.Sodium:
			return 1
		case keys.Yubikey:
			return 2
		case keys.PaperKey:
			return 3
		default:
			return 4
		}
	}
	sort.Slice(recipients, func(i, j int) bool {
		pi, pj := priority(recipients[i].Key.Kind), priority(recipients[j].Key.Kind)
		if pi != pj {
			return pi < pj
		}
		return recipients[i].DeviceID < recipients[j].DeviceID
	})
}
