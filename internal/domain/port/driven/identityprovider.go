package driven

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
)

// ProviderError is the only error type identity provider adapters return.
// It hides the provider SDK's error taxonomy from callers and never carries
// secret values.
type ProviderError struct {
	Op        string // Port method, e.g. "CreateIdentity".
	Code      string // Provider error code, e.g. "AccessDenied".
	Message   string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a ProviderError marked retryable.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// IdentityChecker is the capability used to validate credentials: who the
// credentials belong to and whether they may use the sending service.
// None of these calls mutate provider state.
type IdentityChecker interface {
	GetCallerIdentity(ctx context.Context, creds model.Credentials) (*model.CallerIdentity, error)
	CheckSendingEnabled(ctx context.Context, creds model.Credentials) (bool, error)
	ListIdentities(ctx context.Context, creds model.Credentials) ([]string, error)
}

// IdentityProvider is the mail provider's identity API. Implementations must
// build a fresh client from the given credentials on every call so one
// principal's calls can never run under another principal's credentials.
type IdentityProvider interface {
	IdentityChecker

	CreateIdentity(ctx context.Context, creds model.Credentials, domain string) (*model.IdentityTokens, error)
	GetVerificationStatus(ctx context.Context, creds model.Credentials, domain string) (*model.VerificationAttributes, error)
	DeleteIdentity(ctx context.Context, creds model.Credentials, domain string) error
}
