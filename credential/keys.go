package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKeys is the 64-byte master key record split into its encryption
// and HMAC halves.
type MasterKeys struct {
	Encryption [32]byte
	HMAC       [32]byte
}

func (m MasterKeys) bytes() []byte {
	buf := make([]byte, 64)
	copy(buf[:32], m.Encryption[:])
	copy(buf[32:], m.HMAC[:])
	return buf
}

func masterKeysFromBytes(b []byte) (MasterKeys, error) {
	var m MasterKeys
	if len(b) != 64 {
		return m, errWrongLength(64, len(b))
	}
	copy(m.Encryption[:], b[:32])
	copy(m.HMAC[:], b[32:])
	return m, nil
}

// newMasterKeys draws a single 32-byte seed from rng and expands it to the
// 64-byte encryption||HMAC record via HKDF-SHA256, rather than consuming
// 64 bytes of entropy directly; this keeps the two halves cryptographically
// independent even if the underlying rng has structure an attacker could
// exploit across adjacent reads.
func newMasterKeys(rng io.Reader) (MasterKeys, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rng, seed); err != nil {
		return MasterKeys{}, err
	}

	kdf := hkdf.New(sha256.New, seed, nil, []byte("cram-hal master keys"))

	buf := make([]byte, 64)
	if _, err := io.ReadFull(kdf, buf); err != nil {
		return MasterKeys{}, err
	}

	return masterKeysFromBytes(buf)
}

// CredRandom is the 64-byte secret used to derive the CTAP2 hmac-secret
// extension output; the lower half is the no-UV secret, the upper half
// the UV secret.
type CredRandom struct {
	NoUV [32]byte
	UV   [32]byte
}

func (c CredRandom) bytes() []byte {
	buf := make([]byte, 64)
	copy(buf[:32], c.NoUV[:])
	copy(buf[32:], c.UV[:])
	return buf
}

func credRandomFromBytes(b []byte) (CredRandom, error) {
	var c CredRandom
	if len(b) != 64 {
		return c, errWrongLength(64, len(b))
	}
	copy(c.NoUV[:], b[:32])
	copy(c.UV[:], b[32:])
	return c, nil
}

func newCredRandom(rng io.Reader) (CredRandom, error) {
	buf := make([]byte, 64)
	if _, err := io.ReadFull(rng, buf); err != nil {
		return CredRandom{}, err
	}
	return credRandomFromBytes(buf)
}

// credentialKey returns the 32-hex-character lookup key for a credential:
// the first 16 bytes of the credential id, hex-encoded.
// Collisions across distinct ids sharing this 16-byte prefix remain
// possible in principle, which is why every hit is re-verified against the
// full credential id before being treated as a match (see Store.Find).
func credentialKey(id []byte) string {
	iv := id
	if len(iv) > 16 {
		iv = iv[:16]
	}

	return hex.EncodeToString(iv)
}
