// Package trust is the keychain log: an append-only, hash-linked log
// of NewKey/SignRequest/Revoke events, verified from genesis to a known
// head, answering "which devices are trusted at head?". Grounded on the
// original source's keys/public/mod.rs (the verify/digest/signature-
// payload algorithm is carried over exactly) and on the hash-chain-with-
// recorded-head idiom for the on-disk head file / rollback protection.
package trust

import (
	"encoding/base32"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/allonsy/basalt-go/cryptoprim"
	"github.com/allonsy/basalt-go/errs"
	"github.com/allonsy/basalt-go/keys"
)

var b32 = base32.StdEncoding

type EventKind int

const (
	NewKey EventKind = iota
	SignRequest
	Revoke
)

func (k EventKind) tag() string {
	switch k {
	case NewKey:
		return "new"
	case SignRequest:
		return "sign"
	case Revoke:
		return "revoke"
	default:
		return "unknown"
	}
}

// Event is a tagged NewKey|SignRequest|Revoke carrying the wrapped
// public key the event concerns.
type Event struct {
	Kind EventKind
	Wrap keys.PublicKeyWrapper
}

// Digest returns H(tag ∥ H(wrap)).
func (e Event) Digest() [cryptoprim.DigestSize]byte {
	wrapDigest := e.Wrap.Digest()
	return cryptoprim.HashConcat([]byte(e.Kind.tag()), wrapDigest[:])
}

// Signature is {signing_key_id, sig_bytes}.
type Signature struct {
	SigningKeyID string
	SigBytes     []byte
}

func (s Signature) Digest() [cryptoprim.DigestSize]byte {
	return cryptoprim.HashConcat([]byte(s.SigningKeyID), s.SigBytes)
}

// ChainLink is one link of the keychain log.
type ChainLink struct {
	Parent    []byte // digest of the previous link; empty for genesis
	Event     Event
	Signature Signature
}

// SigPayload returns H(parent ∥ H(event)), the payload every link's
// signature verifies over.
func (l ChainLink) SigPayload() []byte {
	eventDigest := l.Event.Digest()
	d := cryptoprim.HashConcat(l.Parent, eventDigest[:])
	return d[:]
}

// Digest returns H(parent ∥ H(event) ∥ H(signature)), the link digest
// used as the next link's parent and as the chain's head.
func (l ChainLink) Digest() []byte {
	eventDigest := l.Event.Digest()
	sigDigest := l.Signature.Digest()
	d := cryptoprim.HashConcat(l.Parent, eventDigest[:], sigDigest[:])
	return d[:]
}

// Keychain is the persisted, ordered log.
type Keychain struct {
	Chain []ChainLink
}

func New() *Keychain { return &Keychain{} }

// Mode selects strict verification (no SignRequest allowed) or merge
// verification (exactly one SignRequest permitted, as the last link).
type Mode int

const (
	Strict Mode = iota
	Merge
)

// HeadDigest returns the digest of the last link, or nil if the chain is
// empty.
func (k *Keychain) HeadDigest() []byte {
	if len(k.Chain) == 0 {
		return nil
	}
	return k.Chain[len(k.Chain)-1].Digest()
}

// Verify replays the chain from genesis, checking every signature and
// parent link, and requires the last link's digest to equal head (except
// when merging a trailing SignRequest, which is allowed to extend past
// the recorded head — the caller advances the stored head after success).
// A chain carrying links beyond the accepted head is rejected in both
// modes: strict never tolerates trailing links, merge tolerates exactly
// the one trailing SignRequest the SignRequest-must-be-last check below
// already pins to index chainLen-1. Returns the trusted device_id ->
// PublicKey set at the accepted head.
func (k *Keychain) Verify(head []byte, mode Mode) (map[string]keys.PublicKey, error) {
	if len(k.Chain) == 0 {
		return nil, errs.Trustf("verify: empty chain")
	}

	trusted := map[string]keys.PublicKey{}
	var parentDigest []byte
	headIndex := -1
	chainLen := len(k.Chain)

	for i, link := range k.Chain {
		if i != 0 {
			if parentDigest == nil || !bytesEqual(link.Parent, parentDigest) {
				return nil, errs.Trustf("verify: broken parent chain at link %d", i)
			}
		}
		linkDigest := link.Digest()
		parentDigest = linkDigest

		switch link.Event.Kind {
		case NewKey:
			wrap := link.Event.Wrap
			var signer keys.PublicKey
			if i == 0 {
				trusted[wrap.DeviceID] = wrap.Key
				signer = wrap.Key
			} else {
				sk, ok := trusted[link.Signature.SigningKeyID]
				if !ok {
					return nil, errs.Trustf("verify: unknown signer %q at link %d", link.Signature.SigningKeyID, i)
				}
				signer = sk
			}
			if !signer.Verify(link.Signature.SigBytes, link.SigPayload()) {
				return nil, errs.Trustf("verify: invalid signature at link %d", i)
			}
			trusted[wrap.DeviceID] = wrap.Key

		case Revoke:
			signer, ok := trusted[link.Signature.SigningKeyID]
			if !ok {
				return nil, errs.Trustf("verify: unknown signer %q at link %d", link.Signature.SigningKeyID, i)
			}
			if !signer.Verify(link.Signature.SigBytes, link.SigPayload()) {
				return nil, errs.Trustf("verify: invalid revoke signature at link %d", i)
			}
			delete(trusted, link.Event.Wrap.DeviceID)

		case SignRequest:
			if mode != Merge {
				return nil, errs.Trustf("verify: SignRequest not permitted in strict mode")
			}
			wrap := link.Event.Wrap
			if !wrap.Key.Verify(link.Signature.SigBytes, link.SigPayload()) {
				return nil, errs.Trustf("verify: invalid self-signed sign-request at link %d", i)
			}
			if i != chainLen-1 {
				return nil, errs.Trustf("verify: SignRequest must be the last link")
			}

		default:
			return nil, errs.Trustf("verify: unknown event kind")
		}

		if bytesEqual(linkDigest, head) {
			headIndex = i
		}
	}

	if headIndex == -1 {
		return nil, errs.Trustf("verify: chain does not terminate at recorded head")
	}
	lastIsSignRequest := k.Chain[chainLen-1].Event.Kind == SignRequest
	switch {
	case mode == Merge && lastIsSignRequest:
		// head must be the link immediately preceding the pending
		// SignRequest; anything else means links exist past the
		// allowed one-link extension.
		if headIndex != chainLen-2 {
			return nil, errs.Trustf("verify: chain does not terminate at recorded head")
		}
	default:
		if headIndex != chainLen-1 {
			return nil, errs.Trustf("verify: chain does not terminate at recorded head")
		}
	}
	return trusted, nil
}

// TrustedAtHead replays the full chain against its own final digest as
// head, in strict mode, collapsing SignRequest handling since the log
// is assumed already merged.
func (k *Keychain) TrustedAtHead() (map[string]keys.PublicKey, error) {
	return k.Verify(k.HeadDigest(), Strict)
}

// IsValidDeviceID reports whether id is present in the trusted-at-head
// set: a device id is valid exactly when it is currently trusted,
// matching the original's keys/public/mod.rs is_valid_device_id.
func (k *Keychain) IsValidDeviceID(id string) bool {
	valid := map[string]bool{}
	for _, link := range k.Chain {
		switch link.Event.Kind {
		case NewKey:
			valid[link.Event.Wrap.DeviceID] = true
		case Revoke:
			delete(valid, link.Event.Wrap.DeviceID)
		}
	}
	return valid[id]
}

// AppendNewKey builds and appends a NewKey link signed by signer, whose
// device id is signerID.
func (k *Keychain) AppendNewKey(pub keys.PublicKeyWrapper, signerID string, signer keys.PrivateKey) {
	parent := k.HeadDigest()
	link := ChainLink{
		Parent: parent,
		Event:  Event{Kind: NewKey, Wrap: pub},
	}
	link.Signature = Signature{
		SigningKeyID: signerID,
		SigBytes:     signer.SignDetached(link.SigPayload()),
	}
	k.Chain = append(k.Chain, link)
}

// AppendRevoke appends a Revoke link for deviceID signed by signer
// (device id signerID). Self-revocation is disallowed: the signer may
// not equal the key being revoked.
func (k *Keychain) AppendRevoke(deviceID string, wrap keys.PublicKeyWrapper, signerID string, signer keys.PrivateKey) error {
	if signerID == deviceID {
		return errs.Trustf("revoke: a key cannot sign its own revocation")
	}
	parent := k.HeadDigest()
	link := ChainLink{
		Parent: parent,
		Event:  Event{Kind: Revoke, Wrap: wrap},
	}
	link.Signature = Signature{
		SigningKeyID: signerID,
		SigBytes:     signer.SignDetached(link.SigPayload()),
	}

	trial := &Keychain{Chain: append(append([]ChainLink{}, k.Chain...), link)}
	trusted, err := trial.Verify(link.Digest(), Merge)
	if err != nil {
		return err
	}
	if _, stillTrusted := trusted[signerID]; !stillTrusted {
		return errs.Trustf("revoke: signer %q is not trusted after applying the revoke", signerID)
	}

	k.Chain = trial.Chain
	return nil
}

// AppendSignRequest appends a self-signed pending link requesting that
// another trusted device co-sign pub as a NewKey.
func (k *Keychain) AppendSignRequest(pub keys.PublicKeyWrapper, ownSK keys.PrivateKey) {
	parent := k.HeadDigest()
	link := ChainLink{
		Parent: parent,
		Event:  Event{Kind: SignRequest, Wrap: pub},
	}
	link.Signature = Signature{
		SigningKeyID: pub.DeviceID,
		SigBytes:     ownSK.SignDetached(link.SigPayload()),
	}
	k.Chain = append(k.Chain, link)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ----- persistence -----

type jsonEvent struct {
	Kind string              `json:"kind"`
	Wrap jsonPublicKeyWrapper `json:"wrap"`
}

type jsonPublicKeyWrapper struct {
	DeviceID string        `json:"device_id"`
	Key      jsonPublicKey `json:"key"`
}

type jsonPublicKey struct {
	Kind   string `json:"kind"`
	EncPK  string `json:"enc_pk"`
	SignPK string `json:"sign_pk"`
}

type jsonSignature struct {
	SigningKeyID string `json:"signing_key_id"`
	Payload      string `json:"payload"`
}

type jsonChainLink struct {
	Parent    string        `json:"parent"`
	Event     jsonEvent     `json:"event"`
	Signature jsonSignature `json:"signature"`
}

type jsonKeychain struct {
	Chain []jsonChainLink `json:"chain"`
}

func kindToTag(k EventKind) string { return k.tag() }

func tagToKind(tag string) (EventKind, error) {
	switch tag {
	case "new":
		return NewKey, nil
	case "sign":
		return SignRequest, nil
	case "revoke":
		return Revoke, nil
	default:
		return 0, errs.Formatf("unknown event kind %q", tag)
	}
}

func keyKindToString(k keys.Kind) string { return k.String() }

func keyKindFromString(s string) (keys.Kind, error) {
	switch s {
	case "sodium":
		return keys.Sodium, nil
	case "paperkey":
		return keys.PaperKey, nil
	case "yubikey":
		return keys.Yubikey, nil
	default:
		return 0, errs.Formatf("unknown key kind %q", s)
	}
}

func toJSON(k *Keychain) jsonKeychain {
	out := jsonKeychain{Chain: make([]jsonChainLink, 0, len(k.Chain))}
	for _, link := range k.Chain {
		out.Chain = append(out.Chain, jsonChainLink{
			Parent: b32.EncodeToString(link.Parent),
			Event: jsonEvent{
				Kind: kindToTag(link.Event.Kind),
				Wrap: jsonPublicKeyWrapper{
					DeviceID: link.Event.Wrap.DeviceID,
					Key: jsonPublicKey{
						Kind:   keyKindToString(link.Event.Wrap.Key.Kind),
						EncPK:  b32.EncodeToString(link.Event.Wrap.Key.EncPK[:]),
						SignPK: b32.EncodeToString(link.Event.Wrap.Key.SignPK[:]),
					},
				},
			},
			Signature: jsonSignature{
				SigningKeyID: link.Signature.SigningKeyID,
				Payload:      b32.EncodeToString(link.Signature.SigBytes),
			},
		})
	}
	return out
}

func fromJSON(in jsonKeychain) (*Keychain, error) {
	out := &Keychain{Chain: make([]ChainLink, 0, len(in.Chain))}
	for i, jl := range in.Chain {
		parent, err := b32.DecodeString(jl.Parent)
		if err != nil {
			return nil, errs.Wrap(errs.Format, "decode parent", err)
		}
		kind, err := tagToKind(jl.Event.Kind)
		if err != nil {
			return nil, err
		}
		keyKind, err := keyKindFromString(jl.Event.Wrap.Key.Kind)
		if err != nil {
			return nil, err
		}
		encPK, err := b32.DecodeString(jl.Event.Wrap.Key.EncPK)
		if err != nil {
			return nil, errs.Wrap(errs.Format, "decode enc_pk", err)
		}
		signPK, err := b32.DecodeString(jl.Event.Wrap.Key.SignPK)
		if err != nil {
			return nil, errs.Wrap(errs.Format, "decode sign_pk", err)
		}
		sigBytes, err := b32.DecodeString(jl.Signature.Payload)
		if err != nil {
			return nil, errs.Wrap(errs.Format, "decode signature", err)
		}

		var pk keys.PublicKey
		pk.Kind = keyKind
		copy(pk.EncPK[:], encPK)
		copy(pk.SignPK[:], signPK)

		link := ChainLink{
			Parent: parent,
			Event: Event{
				Kind: kind,
				Wrap: keys.PublicKeyWrapper{DeviceID: jl.Event.Wrap.DeviceID, Key: pk},
			},
			Signature: Signature{
				SigningKeyID: jl.Signature.SigningKeyID,
				SigBytes:     sigBytes,
			},
		}
		out.Chain = append(out.Chain, link)
		_ = i
	}
	return out, nil
}

// Store loads/saves the keychain log and its recorded head file,
// enforcing that a chain which re-verifies but ends at a different
// digest than the recorded head is rejected, protecting against an
// attacker replacing the log with an earlier valid prefix.
type Store struct {
	ChainFile string
	HeadFile  string
}

func (s Store) Load() (*Keychain, error) {
	raw, err := os.ReadFile(s.ChainFile)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "read keychain log", err)
	}
	var jk jsonKeychain
	if err := json.Unmarshal(raw, &jk); err != nil {
		return nil, errs.Wrap(errs.Format, "parse keychain log", err)
	}
	return fromJSON(jk)
}

func (s Store) Save(k *Keychain) error {
	raw, err := json.Marshal(toJSON(k))
	if err != nil {
		return errs.Wrap(errs.Format, "marshal keychain log", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.ChainFile), 0o700); err != nil {
		return errs.Wrap(errs.IO, "create store dir", err)
	}
	tmp := s.ChainFile + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errs.Wrap(errs.IO, "write keychain log", err)
	}
	if err := os.Rename(tmp, s.ChainFile); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.IO, "commit keychain log", err)
	}

	// The log itself is durably written first; a head-file write failure
	// is a warning, not a failure of the originating operation.
	head := k.HeadDigest()
	if err := s.writeHead(head); err != nil {
		slog.Warn("keychain head file not written", "error", err)
		return nil //nolint:nilerr // warning only; log already committed
	}
	return nil
}

func (s Store) writeHead(head []byte) error {
	tmp := s.HeadFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(b32.EncodeToString(head)), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.HeadFile)
}

// VerifyHead reads the persisted head file and verifies k terminates
// there in strict mode, returning the trusted set at that head. This is
// the sanctioned way to turn a loaded chain into a trust set: calling
// k.TrustedAtHead directly re-derives head from the chain's own last
// link, so a chain truncated back to an earlier valid prefix (undoing a
// Revoke) would verify against itself with nothing to contradict it.
// Comparing against the independently persisted head file is exactly
// the rollback/forking protection spec.md §4.3 describes the head file
// as existing for.
func (s Store) VerifyHead(k *Keychain) (map[string]keys.PublicKey, error) {
	head, err := s.ReadHead()
	if err != nil {
		return nil, err
	}
	return k.Verify(head, Strict)
}

func (s Store) ReadHead() ([]byte, error) {
	raw, err := os.ReadFile(s.HeadFile)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "read head file", err)
	}
	head, err := b32.DecodeString(string(raw))
	if err != nil {
		return nil, errs.Wrap(errs.Format, "decode head", err)
	}
	return head, nil
}

// VerifyMerge verifies k in merge mode against the recorded head and —
// on success — advances the recorded head atomically if the chain's
// digest moved past it (the chain ends in a pending SignRequest one link
// beyond the recorded head).
func (s Store) VerifyMerge(k *Keychain) (map[string]keys.PublicKey, error) {
	head, err := s.ReadHead()
	if err != nil {
		return nil, err
	}
	trusted, err := k.Verify(head, Merge)
	if err != nil {
		return nil, err
	}
	newHead := k.HeadDigest()
	if !bytesEqual(newHead, head) {
		if err := s.writeHead(newHead); err != nil {
			return trusted, nil //nolint:nilerr
		}
	}
	return trusted, nil
}
