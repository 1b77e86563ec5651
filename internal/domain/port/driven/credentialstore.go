package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
)

// ErrCredentialsNotFound indicates the principal has no stored credential set.
var ErrCredentialsNotFound = errors.New("credentials not found")

// CredentialStore defines the driven port for encrypted credential persistence.
// The store never sees plaintext; encryption happens before it is called.
type CredentialStore interface {
	// Replace deletes any existing set for the principal and inserts set,
	// atomically. After Replace exactly one row exists for the principal.
	Replace(ctx context.Context, set model.CredentialSet) error

	// Update overwrites the existing row in place. Returns
	// ErrCredentialsNotFound if the principal has no row.
	Update(ctx context.Context, set model.CredentialSet) error

	// Get returns the principal's set, or (nil, nil) if none exists.
	Get(ctx context.Context, principal model.PrincipalID) (*model.CredentialSet, error)

	// Delete removes the principal's set and reports whether a row existed.
	Delete(ctx context.Context, principal model.PrincipalID) (bool, error)

	// IsValid reads only the valid flag. Returns false when no row exists.
	IsValid(ctx context.Context, principal model.PrincipalID) (bool, error)

	// SetValidity stamps the valid flag and last_validated. Returns
	// ErrCredentialsNotFound if the principal has no row.
	SetValidity(ctx context.Context, principal model.PrincipalID, valid bool, at time.Time) error

	// ListPrincipals returns every principal that has a stored set.
	ListPrincipals(ctx context.Context) ([]model.PrincipalID, error)
}
