package model

import (
	"log/slog"
	"time"
)

// Credentials is the plaintext form of a principal's provider credentials.
// Values of this type must not outlive the operation that decrypted them.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // Optional; empty for long-lived keys.
	Region          string
}

// HasSessionToken reports whether the credentials carry a temporary session token.
func (c Credentials) HasSessionToken() bool {
	return c.SessionToken != ""
}

// String redacts every secret so credentials can never leak through %v.
func (c Credentials) String() string {
	return "Credentials{AccessKeyID: " + redactKeyID(c.AccessKeyID) + ", Region: " + c.Region + "}"
}

// LogValue implements slog.LogValuer and exposes only non-secret fields.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_key_id", redactKeyID(c.AccessKeyID)),
		slog.String("region", c.Region),
		slog.Bool("session_token", c.HasSessionToken()),
	)
}

// redactKeyID keeps the first four characters of an access key id, which is
// enough to tell keys apart in logs.
func redactKeyID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + "****"
}

// EncryptedField is a single independently encrypted secret. Each part is a
// base64 string and the three parts are only meaningful together.
type EncryptedField struct {
	Ciphertext string
	IV         string
	Tag        string
}

// IsZero reports whether no part of the field is set.
func (f EncryptedField) IsZero() bool {
	return f.Ciphertext == "" && f.IV == "" && f.Tag == ""
}

// IsComplete reports whether the field can be opened. The ciphertext of an
// empty plaintext is itself empty, so only the IV and tag are required.
func (f EncryptedField) IsComplete() bool {
	return f.IV != "" && f.Tag != ""
}

// CredentialSet is the stored, encrypted form of a principal's credentials.
// A principal has at most one CredentialSet; writes replace the previous one.
type CredentialSet struct {
	ID           int64
	PrincipalID  PrincipalID
	Region       string
	AccessKey    EncryptedField
	SecretKey    EncryptedField
	SessionToken *EncryptedField // Nil when the credentials have no session token.

	Valid         bool
	LastValidated time.Time // Zero if never validated.
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
