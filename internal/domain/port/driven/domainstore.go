package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
)

// Sentinel errors returned by DomainStore implementations.
var (
	// ErrDomainNotFound indicates the requested domain does not exist.
	ErrDomainNotFound = errors.New("domain not found")

	// ErrDomainExists indicates the principal already registered the domain name.
	ErrDomainExists = errors.New("domain already exists")
)

// DomainStore defines the driven port for domain and DNS record persistence.
type DomainStore interface {
	// CreateWithRecords inserts the domain and its full record set in one
	// transaction. Returns ErrDomainExists on a (principal, name) conflict.
	CreateWithRecords(ctx context.Context, domain model.Domain, records []model.DNSRecord) (*model.Domain, error)

	// GetByID returns (nil, nil) if the domain does not exist.
	GetByID(ctx context.Context, id int64) (*model.Domain, error)
	// GetByName returns (nil, nil) if the principal has no such domain.
	GetByName(ctx context.Context, principal model.PrincipalID, name string) (*model.Domain, error)

	ListByPrincipal(ctx context.Context, principal model.PrincipalID) ([]model.Domain, error)
	ListByStatus(ctx context.Context, status model.VerificationStatus) ([]model.Domain, error)

	// RecordVerification applies a verification result: sets the status,
	// increments the attempt counter, stamps the attempt time, and stamps
	// verified_at only if it is still unset. Returns the updated domain.
	RecordVerification(ctx context.Context, id int64, update model.VerificationUpdate) (*model.Domain, error)

	// ExpirePending moves a pending domain to expired and reports whether it
	// did. Domains in any other status are left alone.
	ExpirePending(ctx context.Context, id int64) (bool, error)

	// ReplaceRecords swaps the signing tokens and the full record set in one transaction.
	ReplaceRecords(ctx context.Context, id int64, signingTokens []string, records []model.DNSRecord) error

	ListRecords(ctx context.Context, domainID int64) ([]model.DNSRecord, error)

	// Delete removes the domain and, by cascade, its records.
	// Returns ErrDomainNotFound if nothing was deleted.
	Delete(ctx context.Context, id int64) error
}
