// Package credential implements the FIDO2/CTAP2 credential persistent
// store: credential records, master-key and CredRandom derivation,
// PIN-retry accounting, and attestation material, over a bbolt key-value
// backing store. This package does not encrypt the records it writes.
package credential

import (
	"github.com/fxamacker/cbor/v2"
)

// ProtectionPolicy mirrors the CTAP2 credProtect extension values.
type ProtectionPolicy uint8

const (
	UvOptional ProtectionPolicy = iota
	UvOptionalWithCredIDList
	UvRequired
)

// Type enumerates the supported credential types. Only public-key
// credentials are modelled; this store has no U2F compatibility surface.
type Type uint8

const (
	PublicKey Type = iota
)

// Record is a PublicKeyCredentialSource: the durable representation of one
// registered credential.
type Record struct {
	Type              Type              `cbor:"1,keyasint"`
	CredentialID      []byte            `cbor:"2,keyasint"`
	PrivateKey        []byte            `cbor:"3,keyasint"`
	RPID              string            `cbor:"4,keyasint"`
	UserHandle        []byte            `cbor:"5,keyasint"`
	UserName          string            `cbor:"6,keyasint,omitempty"`
	UserDisplayName   string            `cbor:"7,keyasint,omitempty"`
	UserIcon          string            `cbor:"8,keyasint,omitempty"`
	CredProtectPolicy *ProtectionPolicy `cbor:"9,keyasint,omitempty"`
	CreationOrder     uint64            `cbor:"10,keyasint"`
}

// MaxRPIDLen bounds the relying-party id length.
const MaxRPIDLen = 253

// requiresUV reports whether discovery of this record must be suppressed
// absent user verification.
func (r *Record) requiresUV() bool {
	return r.CredProtectPolicy != nil && *r.CredProtectPolicy == UvRequired
}

// isDiscoverable reports whether this record may be returned during
// discovery (a resident-key listing) without a credential id already in
// hand. UvOptionalWithCredIDList and UvRequired records both need the
// credential id supplied out of band, so neither is discoverable.
func (r *Record) isDiscoverable() bool {
	return r.CredProtectPolicy == nil || *r.CredProtectPolicy == UvOptional
}

// MarshalBinary encodes the record as CBOR, the on-disk format credential
// records are persisted in.
func (r *Record) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(r)
}

// UnmarshalBinary decodes a CBOR-encoded record.
func (r *Record) UnmarshalBinary(data []byte) error {
	return cbor.Unmarshal(data, r)
}
