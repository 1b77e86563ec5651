package model

// CallerIdentity is the account behind a set of credentials as reported by
// the provider's identity-check capability.
type CallerIdentity struct {
	AccountID string
	UserID    string
	ARN       string
}

// IdentityTokens is returned when a domain identity is created at the provider.
type IdentityTokens struct {
	OwnershipToken string
	SigningTokens  []string
}

// VerificationAttributes is the provider's current view of a domain identity.
type VerificationAttributes struct {
	Verified       bool
	Pending        bool
	SigningEnabled bool
	SigningTokens  []string
	OwnershipToken string
}

// ValidationFailure distinguishes why credentials were rejected.
type ValidationFailure string

const (
	// FailureInvalidIdentity means the provider did not accept the credentials at all.
	FailureInvalidIdentity ValidationFailure = "invalid_identity"
	// FailureMissingPermission means the identity is valid but cannot use the sending service.
	FailureMissingPermission ValidationFailure = "missing_permission"
	// FailureProviderUnavailable means validation could not reach the provider.
	FailureProviderUnavailable ValidationFailure = "provider_unavailable"
	// FailureMalformed means required fields were missing before any call was made.
	FailureMalformed ValidationFailure = "malformed"
)

// ValidationResult is the outcome of checking credentials against the provider.
// Failures are expected business outcomes and are reported here, not as errors.
type ValidationResult struct {
	Valid          bool
	Failure        ValidationFailure // Empty when Valid.
	Reason         string
	Identity       *CallerIdentity
	SendingEnabled bool
	IdentityCount  int
}
