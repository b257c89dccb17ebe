// Package keys defines the device keypair types shared by the key store,
// trust chain, and vault packages: PrivateKey (only ever lives inside the
// agent process) and PublicKeyWrapper (the "member" identity that flows
// through the keychain log and vault recipients).
package keys

import (
	"github.com/allonsy/basalt-go/cryptoprim"
	"github.com/allonsy/basalt-go/errs"
)

// Kind is the closed tagged variant of device key kinds: Sodium
// (X25519+Ed25519), PaperKey (same algorithms, with a deterministically
// derived seed), and Yubikey (reserved, always Unsupported).
type Kind int

const (
	Sodium Kind = iota
	PaperKey
	Yubikey
)

func (k Kind) String() string {
	switch k {
	case Sodium:
		return "sodium"
	case PaperKey:
		return "paperkey"
	case Yubikey:
		return "yubikey"
	default:
		return "unknown"
	}
}

// PublicKey exposes only the capabilities the trust chain and vault
// envelope need: encrypt to it, verify a signature payload with it,
// digest it, and no more. Yubikey never produces one directly today
// (AddKey{Yubikey} is Unsupported) but the variant exists so the type is
// closed over every kind basalt recognizes.
type PublicKey struct {
	Kind   Kind
	EncPK  cryptoprim.EncPublicKey
	SignPK cryptoprim.SignPublicKey
}

// Digest returns H(kind || H(enc_pk || sign_pk)), where kind is the key
// kind's name ("sodium", "paperkey" or "yubikey"); it is the digest used
// inside PublicKeyWrapper.Digest.
func (p PublicKey) Digest() [cryptoprim.DigestSize]byte {
	inner := cryptoprim.HashConcat(p.EncPK[:], p.SignPK[:])
	return cryptoprim.HashConcat([]byte(p.Kind.String()), inner[:])
}

func (p PublicKey) Encrypt(msg []byte) ([]byte, error) {
	return cryptoprim.Seal(p.EncPK, msg)
}

func (p PublicKey) Verify(sig, expected []byte) bool {
	return cryptoprim.VerifyDetached(p.SignPK, sig, expected)
}

// PublicKeyWrapper is the "member" identity: a device_id paired with
// its public key, content-addressable via Digest.
type PublicKeyWrapper struct {
	DeviceID string
	Key      PublicKey
}

// Digest returns H(device_id ∥ H(pubkey_bytes)).
func (w PublicKeyWrapper) Digest() [cryptoprim.DigestSize]byte {
	keyDigest := w.Key.Digest()
	return cryptoprim.HashConcat([]byte(w.DeviceID), keyDigest[:])
}

// PrivateKey is the decrypted keypair material; it never leaves the
// agent process.
type PrivateKey struct {
	DeviceID string
	Kind     Kind
	EncSK    cryptoprim.EncPrivateKey
	SignSeed cryptoprim.SignSeed
}

func (p PrivateKey) Public() (PublicKeyWrapper, error) {
	encPK, err := cryptoprim.DerivePublicEnc(p.EncSK)
	if err != nil {
		return PublicKeyWrapper{}, err
	}
	return PublicKeyWrapper{
		DeviceID: p.DeviceID,
		Key: PublicKey{
			Kind:   p.Kind,
			EncPK:  encPK,
			SignPK: p.SignSeed.Public(),
		},
	}, nil
}

func (p PrivateKey) Decrypt(ct []byte) ([]byte, error) {
	return cryptoprim.Unseal(p.EncSK, ct)
}

func (p PrivateKey) SignDetached(msg []byte) []byte {
	return cryptoprim.SignDetached(p.SignSeed, msg)
}

// GenerateRandom creates a fresh Sodium-kind device key.
func GenerateRandom(deviceID string) (PrivateKey, error) {
	_, encSK, err := cryptoprim.GenerateEncKeypair()
	if err != nil {
		return PrivateKey{}, err
	}
	seed, err := cryptoprim.GenerateSignSeed()
	if err != nil {
		return PrivateKey{}, err
	}
	return PrivateKey{DeviceID: deviceID, Kind: Sodium, EncSK: encSK, SignSeed: seed}, nil
}

// GeneratePaper derives a PaperKey-kind device key deterministically
// from a word-list-backed seed phrase: PaperKey behaves as Sodium with
// a deterministically derived key.
func GeneratePaper(deviceID string, wordListSeed []byte) (PrivateKey, error) {
	if len(wordListSeed) == 0 {
		return PrivateKey{}, errs.Policyf("paper key requires a non-empty seed phrase")
	}
	material := cryptoprim.HashConcat([]byte("basalt-paperkey"), wordListSeed)
	var encSK cryptoprim.EncPrivateKey
	copy(encSK[:], material[:])
	signMaterial := cryptoprim.HashConcat([]byte("basalt-paperkey-sign"), wordListSeed)
	var seed cryptoprim.SignSeed
	copy(seed[:], signMaterial[:])
	return PrivateKey{DeviceID: deviceID, Kind: PaperKey, EncSK: encSK, SignSeed: seed}, nil
}
