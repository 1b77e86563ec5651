package model

import "time"

// VerificationStatus is the lifecycle state of a sending domain.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
	VerificationExpired  VerificationStatus = "expired"
)

// IsValid reports whether s is one of the known statuses.
func (s VerificationStatus) IsValid() bool {
	switch s {
	case VerificationPending, VerificationVerified, VerificationFailed, VerificationExpired:
		return true
	default:
		return false
	}
}

// Domain is a sending domain registered by a principal.
type Domain struct {
	ID          int64
	PrincipalID PrincipalID
	Name        string // Lower-case hostname without trailing dot.
	Status      VerificationStatus

	IdentityRef    string // Identity name at the mail provider.
	OwnershipToken string
	SigningTokens  []string

	DNSRecordsGenerated     bool
	VerificationAttempts    int
	LastVerificationAttempt time.Time // Zero if never checked.
	VerifiedAt              time.Time // Zero until the first transition into verified.

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VerificationUpdate carries the result of one verification check to the store.
type VerificationUpdate struct {
	Status      VerificationStatus
	AttemptedAt time.Time
	// VerifiedAt is stamped only if the stored value is still zero.
	VerifiedAt time.Time
}
