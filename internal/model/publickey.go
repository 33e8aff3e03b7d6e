package model

// PublicKey is a bot or signing key shared across packages by fingerprint,
// per spec §3. Immutable once persisted.
type PublicKey struct {
	ID   PublicKeyID
	Data string // PEM-encoded public key
}
