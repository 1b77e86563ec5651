package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
)

// ErrPrincipalNotFound indicates the principal does not exist.
var ErrPrincipalNotFound = errors.New("principal not found")

// PrincipalStore is the narrow slice of the auth subsystem's persistence this
// module needs: principals own credentials, domains and audit history.
type PrincipalStore interface {
	Create(ctx context.Context, name string) (model.PrincipalID, error)
	Exists(ctx context.Context, id model.PrincipalID) (bool, error)
	// Delete cascades to credentials and domains and nulls audit references.
	Delete(ctx context.Context, id model.PrincipalID) error
}
