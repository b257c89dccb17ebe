// Package cryptoprim is the ONLY package in basalt allowed to call a
// cryptographic primitive directly. Every other package
// treats its inputs and outputs as opaque byte sequences.
//
// Primitives are built from golang.org/x/crypto, the same stack the
// teacher (tezsign) and the sibling occlude example draw from:
//
//   - seal/unseal:         golang.org/x/crypto/nacl/box, keyed with a
//     fresh ephemeral keypair per call — the standard "anonymous sealed
//     box" construction (ephemeral_pk || box(ephemeral_sk, recipient_pk)).
//   - sign_detached/verify: crypto/ed25519 (stdlib). The Go ecosystem
//     converged on crypto/ed25519 as its signature primitive the way the
//     Rust original converges on sodiumoxide::crypto::sign — there is no
//     separate ecosystem "detached Ed25519" package to prefer over it.
//   - aead_seal/aead_open: golang.org/x/crypto/nacl/secretbox, matching
//     the original source's sodiumoxide::crypto::secretbox exactly.
//   - kdf:                 golang.org/x/crypto/argon2 (Argon2id), matching
//     the teacher's keychain/store.go KEK derivation.
//   - hash:                golang.org/x/crypto/blake2b-256, matching the
//     fixed-length keyed/unkeyed hashing already used in the occlude
//     example.
package cryptoprim

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/allonsy/basalt-go/errs"
)

const (
	EncPublicKeySize  = 32
	EncPrivateKeySize = 32
	SignPublicKeySize = ed25519.PublicKeySize
	SignSeedSize      = ed25519.SeedSize
	NonceSize         = 24
	DigestSize        = blake2b.Size256
	SigSize           = ed25519.SignatureSize
)

type (
	EncPublicKey  [EncPublicKeySize]byte
	EncPrivateKey [EncPrivateKeySize]byte
	SignPublicKey [SignPublicKeySize]byte
	// SignSeed is the 32-byte Ed25519 seed; ExpandSign derives the full
	// private key from it on demand so only the seed needs to live in
	// on-disk/in-memory key material.
	SignSeed [SignSeedSize]byte
)

// GenerateEncKeypair creates a fresh X25519 keypair for seal/unseal.
func GenerateEncKeypair() (EncPublicKey, EncPrivateKey, error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return EncPublicKey{}, EncPrivateKey{}, errs.Wrap(errs.Crypto, "generate enc keypair", err)
	}
	return EncPublicKey(*pk), EncPrivateKey(*sk), nil
}

// GenerateSignSeed creates a fresh Ed25519 seed for sign_detached/verify.
func GenerateSignSeed() (SignSeed, error) {
	var seed SignSeed
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return SignSeed{}, errs.Wrap(errs.Crypto, "generate sign seed", err)
	}
	return seed, nil
}

func (s SignSeed) Expand() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(s[:])
}

func (s SignSeed) Public() SignPublicKey {
	priv := s.Expand()
	var pub SignPublicKey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return pub
}

// Seal performs public-key anonymous encryption: the sender is ephemeral
// and unauthenticated, and the output is self-contained (no separate
// nonce needed by the caller).
func Seal(pk EncPublicKey, msg []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "seal: ephemeral keypair", err)
	}
	nonce, err := sealedBoxNonce(ephPub, &pk)
	if err != nil {
		return nil, err
	}
	recipientPK := [EncPublicKeySize]byte(pk)
	out := make([]byte, 0, EncPublicKeySize+secretboxOverhead(msg))
	out = append(out, ephPub[:]...)
	out = box.Seal(out, msg, &nonce, &recipientPK, ephPriv)
	return out, nil
}

// Unseal reverses Seal. Returns a Crypto-kind error on tag mismatch, a
// wrong key, or a truncated ciphertext.
func Unseal(sk EncPrivateKey, ct []byte) ([]byte, error) {
	if len(ct) < EncPublicKeySize {
		return nil, errs.Cryptof("unseal: ciphertext too short")
	}
	var ephPub [EncPublicKeySize]byte
	copy(ephPub[:], ct[:EncPublicKeySize])
	body := ct[EncPublicKeySize:]

	ourPub, err := DerivePublicEnc(sk)
	if err != nil {
		return nil, err
	}
	nonce, err := sealedBoxNonce(&ephPub, &ourPub)
	if err != nil {
		return nil, err
	}
	skArr := [EncPrivateKeySize]byte(sk)
	msg, ok := box.Open(nil, body, &nonce, &ephPub, &skArr)
	if !ok {
		return nil, errs.Cryptof("unseal: tag mismatch or wrong key")
	}
	return msg, nil
}

// DerivePublicEnc recomputes the X25519 public key for sk. Device keys
// only persist secret material on disk, so callers derive
// the public counterpart on demand rather than storing it twice.
func DerivePublicEnc(sk EncPrivateKey) (EncPublicKey, error) {
	pubBytes, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return EncPublicKey{}, errs.Wrap(errs.Crypto, "derive public key", err)
	}
	var pub EncPublicKey
	copy(pub[:], pubBytes)
	return pub, nil
}

// sealedBoxNonce derives the box nonce the same way libsodium's
// crypto_box_seal does: blake2b-24(ephemeral_pk || recipient_pk).
func sealedBoxNonce(ephPub, recipientPub *[EncPublicKeySize]byte) ([24]byte, error) {
	h, err := blake2b.New(NonceSize, nil)
	if err != nil {
		return [24]byte{}, errs.Wrap(errs.Crypto, "nonce derivation", err)
	}
	h.Write(ephPub[:])
	h.Write(recipientPub[:])
	var nonce [24]byte
	copy(nonce[:], h.Sum(nil))
	return nonce, nil
}

func secretboxOverhead(msg []byte) int {
	return len(msg) + box.Overhead
}

// SignDetached produces a fixed-length Ed25519 signature over msg.
func SignDetached(seed SignSeed, msg []byte) []byte {
	priv := seed.Expand()
	return ed25519.Sign(priv, msg)
}

// VerifyDetached reports whether sig is a valid Ed25519 signature of msg
// under pk.
func VerifyDetached(pk SignPublicKey, sig, msg []byte) bool {
	if len(sig) != SigSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig)
}

// AEADSeal authenticates and encrypts msg under key/nonce using
// XSalsa20-Poly1305 (nacl/secretbox).
func AEADSeal(key [32]byte, nonce [NonceSize]byte, msg []byte) []byte {
	return secretbox.Seal(nil, msg, &nonce, &key)
}

// AEADOpen reverses AEADSeal. A tag mismatch is reported as a Crypto error.
func AEADOpen(key [32]byte, nonce [NonceSize]byte, ct []byte) ([]byte, error) {
	msg, ok := secretbox.Open(nil, ct, &nonce, &key)
	if !ok {
		return nil, errs.Cryptof("aead_open: tag mismatch")
	}
	return msg, nil
}

// RandomNonce returns a fresh random nonce suitable for AEADSeal.
func RandomNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, errs.Wrap(errs.Crypto, "generate nonce", err)
	}
	return n, nil
}

// RandomSymmetricKey returns a fresh random 32-byte symmetric key.
func RandomSymmetricKey() ([32]byte, error) {
	var k [32]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, errs.Wrap(errs.Crypto, "generate symmetric key", err)
	}
	return k, nil
}

// KDFParams mirrors the cost parameters stored alongside each salt.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// KDF derives a fixed-length symmetric key from (password, salt, params),
// deterministic for a fixed input triple.
func KDF(pwd, salt []byte, params KDFParams) [32]byte {
	var key [32]byte
	derived := argon2.IDKey(pwd, salt, params.Time, params.Memory, params.Threads, 32)
	copy(key[:], derived)
	return key
}

// Hash returns the fixed-length collision-resistant digest of msg.
func Hash(msg []byte) [DigestSize]byte {
	return blake2b.Sum256(msg)
}

// HashConcat hashes the concatenation of parts without an intermediate
// allocation-heavy join, matching the "H(a || b || c)" idiom used
// throughout the keychain log's digest definitions.
func HashConcat(parts ...[]byte) [DigestSize]byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
