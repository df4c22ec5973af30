package credential

import "crypto/sha256"

// defaultAAGUID is the compiled-in authenticator attestation GUID used
// until SetAAGUID overrides it.
var defaultAAGUID = [16]byte{
	0x63, 0x72, 0x61, 0x6d, 0x2d, 0x68, 0x61, 0x6c,
	0x2d, 0x61, 0x75, 0x74, 0x68, 0x2d, 0x30, 0x31,
}

// defaultAttestationPrivateKey is a fixed, compiled-in development
// attestation key, present so a fresh store is immediately usable without
// requiring a provisioning step. A production deployment overrides it via
// SetAttestationPrivateKey before first use, exactly as
// original_source/apps/vault/src/ctap/storage.rs ships a default key/cert
// pair that real deployments are expected to replace.
var defaultAttestationPrivateKey = sha256.Sum256([]byte("cram-hal default attestation private key v1"))

// defaultAttestationCertificate is a minimal placeholder DER blob, present
// for the same reason as defaultAttestationPrivateKey. It is not issued by
// any certificate authority and must be replaced for production use.
var defaultAttestationCertificate = []byte{
	0x30, 0x82, 0x01, 0x0a, // SEQUENCE, placeholder TBSCertificate header
	0x02, 0x01, 0x00, // INTEGER version
	0x02, 0x08, 0x63, 0x72, 0x61, 0x6d, 0x2d, 0x68, 0x61, 0x6c, // INTEGER serial "cram-hal"
	0x30, 0x00, // SEQUENCE signature (empty placeholder)
}
