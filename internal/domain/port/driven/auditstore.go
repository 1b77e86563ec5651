package driven

import (
	"context"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
)

// AuditStore defines the driven port for the append-only audit log.
// There is deliberately no update or delete method.
type AuditStore interface {
	Append(ctx context.Context, entry model.AuditEntry) error
	// ListByPrincipal returns entries oldest first.
	ListByPrincipal(ctx context.Context, principal model.PrincipalID) ([]model.AuditEntry, error)
}
