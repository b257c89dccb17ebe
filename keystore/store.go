// Package keystore is the device key store: on-disk storage of this
// device's private keys, encrypted at rest under a PIN-derived symmetric
// key, enumerated and read/written atomically. Grounded on the teacher's
// keychain/store.go (argon2 KEK derivation, AES-GCM-at-rest,
// write-to-temp-then-rename), adapted from a single master password to a
// per-key PIN and from one AEAD field to two independently-salted/nonced
// fields (enc_sk, sign_seed).
package keystore

import (
	crypto_rand "crypto/rand"
	"encoding/base32"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/allonsy/basalt-go/cryptoprim"
	"github.com/allonsy/basalt-go/errs"
	"github.com/allonsy/basalt-go/keys"
)

var b32 = base32.StdEncoding

// OnDiskKey is the serialized form of a device key: exactly one of the
// two variants is populated: Plain{enc_sk,sign_seed} (unencrypted) or
// Enc{...} (encrypted).
type OnDiskKey struct {
	DeviceID string  `json:"device_id"`
	Kind     string  `json:"kind"`
	Plain    *Plain  `json:"plain,omitempty"`
	Enc      *Sealed `json:"enc,omitempty"`
}

type Plain struct {
	EncSK    string `json:"enc_sk"`    // base32
	SignSeed string `json:"sign_seed"` // base32
}

// Sealed holds the two independently-salted, independently-nonced AEAD
// fields: each secret field gets its own fresh salt and nonce.
type Sealed struct {
	EncSalt   string `json:"enc_salt"`
	EncNonce  string `json:"enc_nonce"`
	EncCT     string `json:"enc_ct"`
	SignSalt  string `json:"sign_salt"`
	SignNonce string `json:"sign_nonce"`
	SignCT    string `json:"sign_ct"`
}

func (k OnDiskKey) IsEncrypted() bool { return k.Enc != nil }

func kindToString(k keys.Kind) string { return k.String() }

func kindFromString(s string) (keys.Kind, error) {
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

// PlainOnDisk builds the Unencrypted on-disk form (empty PIN case).
func PlainOnDisk(priv keys.PrivateKey) OnDiskKey {
	return OnDiskKey{
		DeviceID: priv.DeviceID,
		Kind:     kindToString(priv.Kind),
		Plain: &Plain{
			EncSK:    b32.EncodeToString(priv.EncSK[:]),
			SignSeed: b32.EncodeToString(priv.SignSeed[:]),
		},
	}
}

// EncryptedOnDisk builds the Encrypted on-disk form.
func EncryptedOnDisk(deviceID string, kind keys.Kind, sealed Sealed) OnDiskKey {
	return OnDiskKey{DeviceID: deviceID, Kind: kindToString(kind), Enc: &sealed}
}

// ToPrivateKey decodes the Unencrypted variant directly (no PIN needed).
func (k OnDiskKey) ToPrivateKey() (keys.PrivateKey, error) {
	if k.Plain == nil {
		return keys.PrivateKey{}, errs.Formatf("device key %s is encrypted", k.DeviceID)
	}
	kind, err := kindFromString(k.Kind)
	if err != nil {
		return keys.PrivateKey{}, err
	}
	encSK, err := b32.DecodeString(k.Plain.EncSK)
	if err != nil {
		return keys.PrivateKey{}, errs.Wrap(errs.Format, "decode enc_sk", err)
	}
	signSeed, err := b32.DecodeString(k.Plain.SignSeed)
	if err != nil {
		return keys.PrivateKey{}, errs.Wrap(errs.Format, "decode sign_seed", err)
	}
	var priv keys.PrivateKey
	priv.DeviceID = k.DeviceID
	priv.Kind = kind
	copy(priv.EncSK[:], encSK)
	copy(priv.SignSeed[:], signSeed)
	return priv, nil
}

type Store struct {
	dir    string
	params cryptoprim.KDFParams
}

func New(dir string, params cryptoprim.KDFParams) *Store {
	return &Store{dir: dir, params: params}
}

// ListDeviceIDs enumerates files matching <keys_dir>/*.key.
func (s *Store) ListDeviceIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.IO, "list device keys", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), ".key"); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

func (s *Store) path(deviceID string) string {
	return filepath.Join(s.dir, deviceID+".key")
}

// Read deserializes the on-disk key for deviceID; a missing file is an
// IO error.
func (s *Store) Read(deviceID string) (OnDiskKey, error) {
	raw, err := os.ReadFile(s.path(deviceID))
	if err != nil {
		return OnDiskKey{}, errs.Wrap(errs.IO, "read device key "+deviceID, err)
	}
	var k OnDiskKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return OnDiskKey{}, errs.Wrap(errs.Format, "parse device key "+deviceID, err)
	}
	return k, nil
}

// Write persists k atomically (write-to-temp + rename). A failure never
// leaves a truncated file in place.
func (s *Store) Write(deviceID string, k OnDiskKey) error {
	raw, err := json.Marshal(k)
	if err != nil {
		return errs.Wrap(errs.Format, "marshal device key "+deviceID, err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errs.Wrap(errs.IO, "create keys dir", err)
	}
	path := s.path(deviceID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errs.Wrap(errs.IO, "write device key "+deviceID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.IO, "commit device key "+deviceID, err)
	}
	return nil
}

// EncryptWithPin seals priv's two secret fields under pin, each with its
// own fresh salt and nonce.
func (s *Store) EncryptWithPin(priv keys.PrivateKey, pin string) (Sealed, error) {
	encSalt, encNonce, encCT, err := s.sealField(priv.EncSK[:], pin)
	if err != nil {
		return Sealed{}, err
	}
	signSalt, signNonce, signCT, err := s.sealField(priv.SignSeed[:], pin)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		EncSalt:   b32.EncodeToString(encSalt),
		EncNonce:  b32.EncodeToString(encNonce),
		EncCT:     b32.EncodeToString(encCT),
		SignSalt:  b32.EncodeToString(signSalt),
		SignNonce: b32.EncodeToString(signNonce),
		SignCT:    b32.EncodeToString(signCT),
	}, nil
}

func (s *Store) sealField(field []byte, pin string) (salt, nonce, ct []byte, err error) {
	salt = make([]byte, 16)
	if _, ferr := randRead(salt); ferr != nil {
		return nil, nil, nil, ferr
	}
	key := cryptoprim.KDF([]byte(pin), salt, s.params)
	n, nerr := cryptoprim.RandomNonce()
	if nerr != nil {
		return nil, nil, nil, nerr
	}
	ct = cryptoprim.AEADSeal(key, n, field)
	return salt, n[:], ct, nil
}

// DecryptWithPin reverses EncryptWithPin, distinguishing a wrong PIN
// (errs.WrongPin) from any other failure.
func (s *Store) DecryptWithPin(k OnDiskKey, pin string) (keys.PrivateKey, error) {
	if k.Enc == nil {
		return keys.PrivateKey{}, errs.Formatf("device key %s is not encrypted", k.DeviceID)
	}
	kind, err := kindFromString(k.Kind)
	if err != nil {
		return keys.PrivateKey{}, err
	}
	sealed := *k.Enc
	encSK, err := s.openField(sealed.EncSalt, sealed.EncNonce, sealed.EncCT, pin)
	if err != nil {
		return keys.PrivateKey{}, err
	}
	signSeed, err := s.openField(sealed.SignSalt, sealed.SignNonce, sealed.SignCT, pin)
	if err != nil {
		return keys.PrivateKey{}, err
	}
	var priv keys.PrivateKey
	priv.DeviceID = k.DeviceID
	priv.Kind = kind
	copy(priv.EncSK[:], encSK)
	copy(priv.SignSeed[:], signSeed)
	return priv, nil
}

func (s *Store) openField(saltB32, nonceB32, ctB32, pin string) ([]byte, error) {
	salt, err := b32.DecodeString(saltB32)
	if err != nil {
		return nil, errs.Wrap(errs.Format, "decode salt", err)
	}
	nonceBytes, err := b32.DecodeString(nonceB32)
	if err != nil {
		return nil, errs.Wrap(errs.Format, "decode nonce", err)
	}
	ct, err := b32.DecodeString(ctB32)
	if err != nil {
		return nil, errs.Wrap(errs.Format, "decode ciphertext", err)
	}
	if len(nonceBytes) != cryptoprim.NonceSize {
		return nil, errs.Formatf("malformed nonce length")
	}
	var nonce [cryptoprim.NonceSize]byte
	copy(nonce[:], nonceBytes)

	key := cryptoprim.KDF([]byte(pin), salt, s.params)
	msg, err := cryptoprim.AEADOpen(key, nonce, ct)
	if err != nil {
		return nil, &errs.Error{Kind: errs.WrongPin, Msg: "incorrect PIN", Err: err}
	}
	return msg, nil
}

func randRead(b []byte) (int, error) {
	n, err := crypto_rand.Read(b)
	if err != nil {
		return n, errs.Wrap(errs.Crypto, "generate salt", err)
	}
	return n, nil
}
