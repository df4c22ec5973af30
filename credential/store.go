package credential

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"go.etcd.io/bbolt"

	"github.com/precursor-systems/cram-hal/herr"
)

// MaxCredentials bounds store capacity so that the global signature
// counter's increment budget stays within the backing store's erase
// budget.
const MaxCredentials = 150

// MaxPinRetries is the initial/maximum PIN retry count.
const MaxPinRetries = 8

// DefaultMinPinLength is the default minimum PIN length.
const DefaultMinPinLength = 4

// initialGlobalSignatureCounter is the implementation-defined value a
// fresh store's counter starts from.
const initialGlobalSignatureCounter = 1

const (
	bucketConfig      = "fido.cfg"        // reset-erasable: master keys, CredRandom, PIN state, counter
	bucketCredentials = "fido.credential" // reset-erasable: credential records, keyed by credentialKey
	bucketPersistent  = "fido.persistent" // survives reset: AAGUID, attestation key/cert
)

const (
	keyMasterKeys             = "master_keys"
	keyCredRandomSecret       = "cred_random_secret"
	keyGlobalSignatureCounter = "global_signature_counter"
	keyPinHash                = "pin_hash"
	keyPinRetries             = "pin_retries"
	keyMinPinLength           = "min_pin_length"
	keyAAGUID                 = "aaguid"
	keyAttestationPrivateKey  = "attestation_private_key"
	keyAttestationCertificate = "attestation_certificate"
)

// Store is the durable, two-namespace key-value credential store described
// as: a reset-erasable namespace (credentials, master keys,
// CredRandom, PIN state, signature counter) and a persistent namespace
// (AAGUID, attestation key/certificate) that survives Reset.
type Store struct {
	db *bbolt.DB
}

func errWrongLength(want, got int) error {
	return herr.New(herr.InvalidCredential, "", fmt.Errorf("expected %d bytes, got %d", want, got))
}

// New opens (creating if necessary) both namespaces in db, then performs
// one-time initialisation of any missing records. rng seeds master key and
// CredRandom generation; missing AAGUID and attestation key/certificate
// records are filled from the compiled-in defaults, not from rng. A nil rng
// defaults to crypto/rand.Reader.
func New(db *bbolt.DB, rng io.Reader) (*Store, error) {
	if rng == nil {
		rng = rand.Reader
	}

	s := &Store{db: db}

	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketConfig, bucketCredentials, bucketPersistent} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, herr.New(herr.VendorInternal, "New", err)
	}

	if err := s.init(rng); err != nil {
		return nil, err
	}

	return s, nil
}

// init is idempotent: for each required record, if absent it is generated;
// if present with the wrong length, initialisation fails with
// InvalidCredential rather than silently repairing the corruption.
func (s *Store) init(rng io.Reader) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		cfg := tx.Bucket([]byte(bucketConfig))
		persistent := tx.Bucket([]byte(bucketPersistent))

		if v := cfg.Get([]byte(keyMasterKeys)); v == nil {
			mk, err := newMasterKeys(rng)
			if err != nil {
				return err
			}
			if err := cfg.Put([]byte(keyMasterKeys), mk.bytes()); err != nil {
				return err
			}
		} else if len(v) != 64 {
			return errWrongLength(64, len(v))
		}

		if v := cfg.Get([]byte(keyCredRandomSecret)); v == nil {
			cr, err := newCredRandom(rng)
			if err != nil {
				return err
			}
			if err := cfg.Put([]byte(keyCredRandomSecret), cr.bytes()); err != nil {
				return err
			}
		} else if len(v) != 64 {
			return errWrongLength(64, len(v))
		}

		if v := persistent.Get([]byte(keyAAGUID)); v == nil {
			if err := persistent.Put([]byte(keyAAGUID), defaultAAGUID[:]); err != nil {
				return err
			}
		} else if len(v) != 16 {
			return errWrongLength(16, len(v))
		}

		if v := persistent.Get([]byte(keyAttestationPrivateKey)); v == nil {
			if err := persistent.Put([]byte(keyAttestationPrivateKey), defaultAttestationPrivateKey[:]); err != nil {
				return err
			}
		} else if len(v) != 32 {
			return errWrongLength(32, len(v))
		}

		if v := persistent.Get([]byte(keyAttestationCertificate)); v == nil {
			if err := persistent.Put([]byte(keyAttestationCertificate), defaultAttestationCertificate); err != nil {
				return err
			}
		} else if len(v) == 0 || len(v) > 1024 {
			return errWrongLength(len(defaultAttestationCertificate), len(v))
		}

		return nil
	}); err != nil {
		if _, ok := err.(*herr.Error); ok {
			return err
		}
		return herr.New(herr.VendorInternal, "init", err)
	}

	return nil
}

// Find locates a credential by the 16-byte IV truncation of credentialID;
// on a key hit, the full id and rpID are re-verified before it counts as a
// match. If checkCredProtect is set and the record requires user
// verification, Find returns (nil, nil) as if the record were absent.
func (s *Store) Find(rpID string, credentialID []byte, checkCredProtect bool) (*Record, error) {
	key := credentialKey(credentialID)

	var rec *Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketCredentials))
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}

		r := &Record{}
		if err := r.UnmarshalBinary(v); err != nil {
			return herr.New(herr.InvalidCredential, "Find", err)
		}

		if !bytes.Equal(r.CredentialID, credentialID) || r.RPID != rpID {
			return nil
		}

		if checkCredProtect && r.requiresUV() {
			return nil
		}

		rec = r
		return nil
	})
	if err != nil {
		if e, ok := err.(*herr.Error); ok {
			return nil, e
		}
		return nil, herr.New(herr.VendorInternal, "Find", err)
	}

	return rec, nil
}

// StoreCredential writes r, creating or overwriting the existing record
// keyed by its credential id. It fails with KeyStoreFull if the store is
// already at capacity and r's id is not already present (an overwrite of
// an existing id never counts against capacity).
func (s *Store) StoreCredential(r *Record) error {
	key := credentialKey(r.CredentialID)

	data, err := r.MarshalBinary()
	if err != nil {
		return herr.New(herr.InvalidCredential, "StoreCredential", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketCredentials))

		if b.Get([]byte(key)) == nil && b.Stats().KeyN >= MaxCredentials {
			return herr.New(herr.KeyStoreFull, "StoreCredential", nil)
		}

		return b.Put([]byte(key), data)
	})
	if err != nil {
		if e, ok := err.(*herr.Error); ok {
			return e
		}
		return herr.New(herr.VendorInternal, "StoreCredential", err)
	}

	return nil
}

// FilterCredential returns every stored credential matching rpID. If
// checkCredProtect is set, only records discoverable without user
// verification are included.
func (s *Store) FilterCredential(rpID string, checkCredProtect bool) ([]Record, error) {
	var out []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketCredentials))

		return b.ForEach(func(_, v []byte) error {
			r := Record{}
			if err := r.UnmarshalBinary(v); err != nil {
				return herr.New(herr.InvalidCredential, "FilterCredential", err)
			}

			if r.RPID != rpID {
				return nil
			}
			if checkCredProtect && !r.isDiscoverable() {
				return nil
			}

			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		if e, ok := err.(*herr.Error); ok {
			return nil, e
		}
		return nil, herr.New(herr.VendorInternal, "FilterCredential", err)
	}

	return out, nil
}

// CountCredentials returns the current number of stored credentials.
func (s *Store) CountCredentials() (int, error) {
	var n int

	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(bucketCredentials)).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, herr.New(herr.VendorInternal, "CountCredentials", err)
	}

	return n, nil
}

// NewCreationOrder returns max(creation_order)+1 across every stored
// credential, with wrapping addition, or 0 if the store is empty.
func (s *Store) NewCreationOrder() (uint64, error) {
	var max uint64
	var seen bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketCredentials))

		return b.ForEach(func(_, v []byte) error {
			r := Record{}
			if err := r.UnmarshalBinary(v); err != nil {
				return herr.New(herr.InvalidCredential, "NewCreationOrder", err)
			}
			if !seen || r.CreationOrder > max {
				max = r.CreationOrder
				seen = true
			}
			return nil
		})
	})
	if err != nil {
		if e, ok := err.(*herr.Error); ok {
			return 0, e
		}
		return 0, herr.New(herr.VendorInternal, "NewCreationOrder", err)
	}

	if !seen {
		return 0, nil
	}

	return max + 1, nil
}

// GlobalSignatureCounter reads the counter, lazily initialising it to
// initialGlobalSignatureCounter on first access.
func (s *Store) GlobalSignatureCounter() (uint32, error) {
	var v uint32

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketConfig))
		raw := b.Get([]byte(keyGlobalSignatureCounter))

		if raw == nil {
			v = initialGlobalSignatureCounter
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, v)
			return b.Put([]byte(keyGlobalSignatureCounter), buf)
		}

		if len(raw) != 4 {
			return errWrongLength(4, len(raw))
		}

		v = binary.LittleEndian.Uint32(raw)
		return nil
	})
	if err != nil {
		if e, ok := err.(*herr.Error); ok {
			return 0, e
		}
		return 0, herr.New(herr.VendorInternal, "GlobalSignatureCounter", err)
	}

	return v, nil
}

// IncrGlobalSignatureCounter adds delta (wrapping on overflow) and syncs
// before returning the new value.
func (s *Store) IncrGlobalSignatureCounter(delta uint32) (uint32, error) {
	cur, err := s.GlobalSignatureCounter()
	if err != nil {
		return 0, err
	}

	next := cur + delta

	err = s.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, next)
		return tx.Bucket([]byte(bucketConfig)).Put([]byte(keyGlobalSignatureCounter), buf)
	})
	if err != nil {
		return 0, herr.New(herr.VendorInternal, "IncrGlobalSignatureCounter", err)
	}

	return next, nil
}

// MasterKeys returns the store's encryption/HMAC key pair.
func (s *Store) MasterKeys() (MasterKeys, error) {
	var mk MasterKeys

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketConfig)).Get([]byte(keyMasterKeys))
		var err error
		mk, err = masterKeysFromBytes(raw)
		return err
	})
	if err != nil {
		if e, ok := err.(*herr.Error); ok {
			return MasterKeys{}, e
		}
		return MasterKeys{}, herr.New(herr.VendorInternal, "MasterKeys", err)
	}

	return mk, nil
}

// CredRandomSecret returns the no-UV or UV half of the CredRandom secret.
func (s *Store) CredRandomSecret(hasUV bool) ([32]byte, error) {
	var cr CredRandom

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketConfig)).Get([]byte(keyCredRandomSecret))
		var err error
		cr, err = credRandomFromBytes(raw)
		return err
	})
	if err != nil {
		if e, ok := err.(*herr.Error); ok {
			return [32]byte{}, e
		}
		return [32]byte{}, herr.New(herr.VendorInternal, "CredRandomSecret", err)
	}

	if hasUV {
		return cr.UV, nil
	}
	return cr.NoUV, nil
}

// PinHash returns the stored PIN hash, or (nil, nil) if none has been set.
func (s *Store) PinHash() ([]byte, error) {
	var v []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketConfig)).Get([]byte(keyPinHash))
		if raw != nil {
			v = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, herr.New(herr.VendorInternal, "PinHash", err)
	}

	return v, nil
}

// SetPinHash stores hash as the current PIN hash.
func (s *Store) SetPinHash(hash []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketConfig)).Put([]byte(keyPinHash), hash)
	})
	if err != nil {
		return herr.New(herr.VendorInternal, "SetPinHash", err)
	}
	return nil
}

// PinRetries returns the remaining PIN retry count; absence is treated as
// full retries (MaxPinRetries).
func (s *Store) PinRetries() (uint8, error) {
	var v uint8 = MaxPinRetries

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketConfig)).Get([]byte(keyPinRetries))
		if raw == nil {
			return nil
		}
		if len(raw) != 1 {
			return errWrongLength(1, len(raw))
		}
		v = raw[0]
		return nil
	})
	if err != nil {
		if e, ok := err.(*herr.Error); ok {
			return 0, e
		}
		return 0, herr.New(herr.VendorInternal, "PinRetries", err)
	}

	return v, nil
}

// DecrPinRetries decrements the retry counter, saturating at 0, and
// returns the new value.
func (s *Store) DecrPinRetries() (uint8, error) {
	cur, err := s.PinRetries()
	if err != nil {
		return 0, err
	}

	next := cur
	if next > 0 {
		next--
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketConfig)).Put([]byte(keyPinRetries), []byte{next})
	})
	if err != nil {
		return 0, herr.New(herr.VendorInternal, "DecrPinRetries", err)
	}

	return next, nil
}

// ResetPinRetries removes the retry record, so the next PinRetries() call
// reports full retries again.
func (s *Store) ResetPinRetries() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketConfig)).Delete([]byte(keyPinRetries))
	})
	if err != nil {
		return herr.New(herr.VendorInternal, "ResetPinRetries", err)
	}
	return nil
}

// MinPinLength returns the configured minimum PIN length, defaulting to
// DefaultMinPinLength if unset.
func (s *Store) MinPinLength() (uint8, error) {
	var v uint8 = DefaultMinPinLength

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketConfig)).Get([]byte(keyMinPinLength))
		if raw == nil {
			return nil
		}
		if len(raw) != 1 {
			return errWrongLength(1, len(raw))
		}
		v = raw[0]
		return nil
	})
	if err != nil {
		if e, ok := err.(*herr.Error); ok {
			return 0, e
		}
		return 0, herr.New(herr.VendorInternal, "MinPinLength", err)
	}

	return v, nil
}

// SetMinPinLength stores n as the minimum PIN length.
func (s *Store) SetMinPinLength(n uint8) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketConfig)).Put([]byte(keyMinPinLength), []byte{n})
	})
	if err != nil {
		return herr.New(herr.VendorInternal, "SetMinPinLength", err)
	}
	return nil
}

// AttestationPrivateKey returns the persistent-namespace attestation key.
func (s *Store) AttestationPrivateKey() ([]byte, error) {
	return s.persistentGet(keyAttestationPrivateKey)
}

// SetAttestationPrivateKey overrides the attestation private key.
func (s *Store) SetAttestationPrivateKey(key []byte) error {
	return s.persistentPut(keyAttestationPrivateKey, key)
}

// AttestationCertificate returns the persistent-namespace attestation
// certificate DER blob.
func (s *Store) AttestationCertificate() ([]byte, error) {
	return s.persistentGet(keyAttestationCertificate)
}

// SetAttestationCertificate overrides the attestation certificate.
func (s *Store) SetAttestationCertificate(cert []byte) error {
	return s.persistentPut(keyAttestationCertificate, cert)
}

// AAGUID returns the persistent-namespace authenticator attestation GUID.
func (s *Store) AAGUID() ([16]byte, error) {
	v, err := s.persistentGet(keyAAGUID)
	if err != nil {
		return [16]byte{}, err
	}
	if len(v) != 16 {
		return [16]byte{}, errWrongLength(16, len(v))
	}
	var out [16]byte
	copy(out[:], v)
	return out, nil
}

// SetAAGUID overrides the AAGUID.
func (s *Store) SetAAGUID(id [16]byte) error {
	return s.persistentPut(keyAAGUID, id[:])
}

func (s *Store) persistentGet(key string) ([]byte, error) {
	var v []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketPersistent)).Get([]byte(key))
		v = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, herr.New(herr.VendorInternal, key, err)
	}

	return v, nil
}

func (s *Store) persistentPut(key string, val []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPersistent)).Put([]byte(key), val)
	})
	if err != nil {
		return herr.New(herr.VendorInternal, key, err)
	}
	return nil
}

// Reset deletes every record in the reset-erasable namespace (credentials,
// master keys, CredRandom, PIN state, signature counter) across every
// basis, then re-runs init. The persistent namespace is untouched. This
// implementation models a single basis; a multi-basis backing store would
// repeat the bucket recreation per basis.
func (s *Store) Reset(rng io.Reader) error {
	if rng == nil {
		rng = rand.Reader
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketConfig, bucketCredentials} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return herr.New(herr.VendorInternal, "Reset", err)
	}

	return s.init(rng)
}
