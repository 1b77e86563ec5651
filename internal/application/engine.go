package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/idna"

	"github.com/ericfisherdev/mailgate/internal/domain/dnsrecord"
	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
	"github.com/ericfisherdev/mailgate/internal/metrics"
)

// ErrInvalidDomainName is returned by AddDomain for names that are not valid
// hostnames.
var ErrInvalidDomainName = errors.New("invalid domain name")

const maxDomainLength = 253

// Retry defaults for transient provider errors during a verification check.
const (
	defaultRetryInitial = 500 * time.Millisecond
	// defaultRetryWindow bounds retries when the caller's context has no deadline.
	defaultRetryWindow = 30 * time.Second
)

// CredentialSource yields a principal's decrypted credentials, or (nil, nil)
// when the principal has none. *CredentialVault satisfies it.
type CredentialSource interface {
	Retrieve(ctx context.Context, principal model.PrincipalID) (*model.Credentials, error)
}

// DomainEngine provisions sending domains at the mail provider, keeps their
// DNS record sets, and drives their verification status.
type DomainEngine struct {
	domains      driven.DomainStore
	credentials  CredentialSource
	provider     driven.IdentityProvider
	auditor      *Auditor
	metrics      *metrics.Metrics
	mailProvider string
	retryInitial time.Duration
	now          func() time.Time
}

// EngineOption configures a DomainEngine.
type EngineOption func(*DomainEngine)

// WithRetryInitial sets the first backoff delay used when the provider
// reports a transient error during CheckVerification.
func WithRetryInitial(d time.Duration) EngineOption {
	return func(e *DomainEngine) {
		if d > 0 {
			e.retryInitial = d
		}
	}
}

// NewDomainEngine creates a DomainEngine. mailProvider is the provider token
// used in derived record values; empty means dnsrecord.DefaultProvider.
func NewDomainEngine(
	domains driven.DomainStore,
	credentials CredentialSource,
	provider driven.IdentityProvider,
	auditor *Auditor,
	m *metrics.Metrics,
	mailProvider string,
	opts ...EngineOption,
) *DomainEngine {
	if mailProvider == "" {
		mailProvider = dnsrecord.DefaultProvider
	}
	e := &DomainEngine{
		domains:      domains,
		credentials:  credentials,
		provider:     provider,
		auditor:      auditor,
		metrics:      m,
		mailProvider: mailProvider,
		retryInitial: defaultRetryInitial,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NormalizeDomainName lower-cases name, strips a trailing dot, converts
// internationalized labels to their ASCII form and validates the result as a
// hostname with at least two labels.
func NormalizeDomainName(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomainName)
	}

	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomainName, name, err)
	}
	ascii = strings.ToLower(ascii)

	if len(ascii) > maxDomainLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidDomainName, maxDomainLength)
	}

	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("%w: %q has no parent domain", ErrInvalidDomainName, ascii)
	}
	for _, label := range labels {
		if !validLabel(label) {
			return "", fmt.Errorf("%w: bad label %q", ErrInvalidDomainName, label)
		}
	}
	if isNumeric(labels[len(labels)-1]) {
		return "", fmt.Errorf("%w: numeric top-level label", ErrInvalidDomainName)
	}
	return ascii, nil
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// AddDomain registers name for the principal. Malformed and duplicate names
// are rejected before any provider call. The provider identity is created
// first; the domain row and its records are then written in one transaction.
func (e *DomainEngine) AddDomain(ctx context.Context, principal model.PrincipalID, name string) (*model.Domain, error) {
	name, err := NormalizeDomainName(name)
	if err != nil {
		return nil, err
	}

	existing, err := e.domains.GetByName(ctx, principal, name)
	if err != nil {
		return nil, fmt.Errorf("look up domain %s: %w", name, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("add domain %s: %w", name, driven.ErrDomainExists)
	}

	creds, err := e.requireCredentials(ctx, principal)
	if err != nil {
		return nil, err
	}

	tokens, err := e.provider.CreateIdentity(ctx, *creds, name)
	if err != nil {
		e.audit(ctx, principal, model.AuditCreate, false, map[string]any{"domain": name, "error": err.Error()})
		return nil, fmt.Errorf("create identity for %s: %w", name, err)
	}

	domain := model.Domain{
		PrincipalID:    principal,
		Name:           name,
		Status:         model.VerificationPending,
		IdentityRef:    name,
		OwnershipToken: tokens.OwnershipToken,
		SigningTokens:  tokens.SigningTokens,
	}
	records := dnsrecord.DeriveFor(e.mailProvider, name, tokens.OwnershipToken, tokens.SigningTokens, creds.Region)

	created, err := e.domains.CreateWithRecords(ctx, domain, records)
	if err != nil {
		// A concurrent AddDomain that won the race owns the same provider
		// identity, so it must not be removed.
		if !errors.Is(err, driven.ErrDomainExists) {
			e.compensate(ctx, principal, *creds, name)
		}
		e.audit(ctx, principal, model.AuditCreate, false, map[string]any{"domain": name, "error": err.Error()})
		return nil, fmt.Errorf("persist domain %s: %w", name, err)
	}

	e.audit(ctx, principal, model.AuditCreate, true, map[string]any{
		"domain":  name,
		"records": len(records),
		"region":  creds.Region,
	})
	slog.Info("domain added",
		"principal_id", int64(principal),
		"domain", name,
		"domain_id", created.ID,
		"records", len(records),
	)
	return created, nil
}

// compensate removes a provider identity whose domain row could not be
// written. Failure leaves an orphan for FindOrphanedIdentities.
func (e *DomainEngine) compensate(ctx context.Context, principal model.PrincipalID, creds model.Credentials, name string) {
	if err := e.provider.DeleteIdentity(context.WithoutCancel(ctx), creds, name); err != nil {
		slog.Error("compensating identity deletion failed; identity is orphaned",
			"principal_id", int64(principal),
			"domain", name,
			"error", err,
		)
		return
	}
	slog.Warn("removed provider identity after failed persist", "principal_id", int64(principal), "domain", name)
}

// CheckVerification asks the provider for the domain's current state and
// records it. Repeated calls are safe. When the provider's signing tokens
// differ from the stored ones the DNS record set is regenerated.
func (e *DomainEngine) CheckVerification(ctx context.Context, principal model.PrincipalID, domainID int64) (*model.Domain, error) {
	start := e.now()
	outcome := "error"
	defer func() { e.metrics.VerificationChecked(outcome, e.now().Sub(start)) }()

	domain, err := e.authorize(ctx, principal, domainID)
	if err != nil {
		return nil, err
	}

	creds, err := e.requireCredentials(ctx, principal)
	if err != nil {
		return nil, err
	}

	attrs, err := e.verificationStatus(ctx, *creds, domain)
	if err != nil {
		if _, recErr := e.domains.RecordVerification(context.WithoutCancel(ctx), domain.ID, model.VerificationUpdate{
			Status:      domain.Status,
			AttemptedAt: e.now(),
		}); recErr != nil {
			slog.Error("record failed verification attempt", "domain_id", domain.ID, "error", recErr)
		}
		return nil, fmt.Errorf("check verification for %s: %w", domain.Name, err)
	}

	update := model.VerificationUpdate{
		Status:      mapStatus(attrs),
		AttemptedAt: e.now(),
	}
	if update.Status == model.VerificationVerified {
		update.VerifiedAt = update.AttemptedAt
	}

	updated, err := e.domains.RecordVerification(ctx, domain.ID, update)
	if err != nil {
		return nil, fmt.Errorf("record verification for %s: %w", domain.Name, err)
	}
	outcome = string(updated.Status)

	if len(attrs.SigningTokens) > 0 && !slices.Equal(attrs.SigningTokens, updated.SigningTokens) {
		records := dnsrecord.DeriveFor(e.mailProvider, domain.Name, domain.OwnershipToken, attrs.SigningTokens, creds.Region)
		if err := e.domains.ReplaceRecords(ctx, domain.ID, attrs.SigningTokens, records); err != nil {
			slog.Error("regenerate records after signing token change failed", "domain", domain.Name, "error", err)
		} else {
			updated.SigningTokens = attrs.SigningTokens
			slog.Info("signing tokens changed; records regenerated", "domain", domain.Name, "records", len(records))
		}
	}

	if updated.Status != domain.Status {
		e.audit(ctx, principal, model.AuditUpdate, true, map[string]any{
			"domain":   domain.Name,
			"from":     string(domain.Status),
			"to":       string(updated.Status),
			"attempts": updated.VerificationAttempts,
		})
		slog.Info("domain status changed",
			"domain", domain.Name,
			"domain_id", domain.ID,
			"status", string(updated.Status),
			"attempts", updated.VerificationAttempts,
		)
	}
	return updated, nil
}

// verificationStatus asks the provider for the domain's state, retrying
// transient errors with exponential backoff until ctx ends. The whole call
// is one verification attempt however many retries it takes.
func (e *DomainEngine) verificationStatus(ctx context.Context, creds model.Credentials, domain *model.Domain) (*model.VerificationAttributes, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInitial
	b.MaxElapsedTime = defaultRetryWindow
	if _, ok := ctx.Deadline(); ok {
		b.MaxElapsedTime = 0 // bounded by ctx
	}

	var attrs *model.VerificationAttributes
	var lastErr error
	op := func() error {
		var err error
		attrs, err = e.provider.GetVerificationStatus(ctx, creds, domain.IdentityRef)
		lastErr = err
		if err != nil && !driven.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("transient provider error; retrying",
			"domain", domain.Name,
			"domain_id", domain.ID,
			"retry_in", wait.Round(time.Millisecond),
			"error", err,
		)
	})
	if err != nil {
		// Report the provider's error rather than the expired context.
		if lastErr != nil && ctx.Err() != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return attrs, nil
}

// mapStatus maps provider state to a local status: verified iff
// the provider says verified, else pending if it says pending, else failed.
func mapStatus(attrs *model.VerificationAttributes) model.VerificationStatus {
	switch {
	case attrs.Verified:
		return model.VerificationVerified
	case attrs.Pending:
		return model.VerificationPending
	default:
		return model.VerificationFailed
	}
}

// DeleteDomain removes the provider identity on a best-effort basis, then
// deletes the domain and its records.
func (e *DomainEngine) DeleteDomain(ctx context.Context, principal model.PrincipalID, domainID int64) error {
	domain, err := e.authorize(ctx, principal, domainID)
	if err != nil {
		return err
	}

	identityDeleted := false
	creds, err := e.credentials.Retrieve(ctx, principal)
	switch {
	case err != nil:
		slog.Warn("skipping identity deletion: credentials unavailable", "domain", domain.Name, "error", err)
	case creds == nil:
		slog.Warn("skipping identity deletion: no credentials stored", "domain", domain.Name)
	default:
		if err := e.provider.DeleteIdentity(ctx, *creds, domain.IdentityRef); err != nil {
			slog.Warn("identity deletion failed; deleting domain anyway", "domain", domain.Name, "error", err)
		} else {
			identityDeleted = true
		}
	}

	if err := e.domains.Delete(ctx, domain.ID); err != nil {
		e.audit(ctx, principal, model.AuditDelete, false, map[string]any{"domain": domain.Name, "error": err.Error()})
		return fmt.Errorf("delete domain %s: %w", domain.Name, err)
	}

	e.audit(ctx, principal, model.AuditDelete, true, map[string]any{
		"domain":           domain.Name,
		"identity_deleted": identityDeleted,
	})
	slog.Info("domain deleted", "domain", domain.Name, "domain_id", domain.ID, "identity_deleted", identityDeleted)
	return nil
}

// ListDomains returns the principal's domains ordered by name.
func (e *DomainEngine) ListDomains(ctx context.Context, principal model.PrincipalID) ([]model.Domain, error) {
	domains, err := e.domains.ListByPrincipal(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return domains, nil
}

// GetDNSRecords returns the domain's records in derivation order.
func (e *DomainEngine) GetDNSRecords(ctx context.Context, principal model.PrincipalID, domainID int64) ([]model.DNSRecord, error) {
	domain, err := e.authorize(ctx, principal, domainID)
	if err != nil {
		return nil, err
	}

	records, err := e.domains.ListRecords(ctx, domain.ID)
	if err != nil {
		return nil, fmt.Errorf("list records for %s: %w", domain.Name, err)
	}
	return records, nil
}

// RegenerateRecords re-derives the complete record set from the stored tokens
// and the region of the principal's current credentials.
func (e *DomainEngine) RegenerateRecords(ctx context.Context, principal model.PrincipalID, domainID int64) ([]model.DNSRecord, error) {
	domain, err := e.authorize(ctx, principal, domainID)
	if err != nil {
		return nil, err
	}

	creds, err := e.requireCredentials(ctx, principal)
	if err != nil {
		return nil, err
	}

	records := dnsrecord.DeriveFor(e.mailProvider, domain.Name, domain.OwnershipToken, domain.SigningTokens, creds.Region)
	if err := e.domains.ReplaceRecords(ctx, domain.ID, domain.SigningTokens, records); err != nil {
		return nil, fmt.Errorf("replace records for %s: %w", domain.Name, err)
	}

	e.audit(ctx, principal, model.AuditUpdate, true, map[string]any{
		"domain":  domain.Name,
		"records": len(records),
		"region":  creds.Region,
	})
	return e.domains.ListRecords(ctx, domain.ID)
}

// FindOrphanedIdentities returns provider domain identities in the
// principal's account that have no local domain row, sorted by name.
func (e *DomainEngine) FindOrphanedIdentities(ctx context.Context, principal model.PrincipalID) ([]string, error) {
	creds, err := e.requireCredentials(ctx, principal)
	if err != nil {
		return nil, err
	}

	identities, err := e.provider.ListIdentities(ctx, *creds)
	if err != nil {
		return nil, fmt.Errorf("list provider identities: %w", err)
	}

	domains, err := e.domains.ListByPrincipal(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	known := make(map[string]bool, len(domains))
	for _, d := range domains {
		known[d.IdentityRef] = true
	}

	orphans := []string{}
	for _, id := range identities {
		if !known[strings.ToLower(id)] {
			orphans = append(orphans, id)
		}
	}
	slices.Sort(orphans)
	return orphans, nil
}

// DeleteOrphanedIdentity removes a provider identity that has no local domain
// row. It refuses identities that are still registered locally.
func (e *DomainEngine) DeleteOrphanedIdentity(ctx context.Context, principal model.PrincipalID, identity string) error {
	existing, err := e.domains.GetByName(ctx, principal, strings.ToLower(identity))
	if err != nil {
		return fmt.Errorf("look up domain %s: %w", identity, err)
	}
	if existing != nil {
		return fmt.Errorf("identity %s is registered as domain %d: %w", identity, existing.ID, driven.ErrDomainExists)
	}

	creds, err := e.requireCredentials(ctx, principal)
	if err != nil {
		return err
	}

	if err := e.provider.DeleteIdentity(ctx, *creds, identity); err != nil {
		e.audit(ctx, principal, model.AuditDelete, false, map[string]any{"identity": identity, "orphan": true, "error": err.Error()})
		return fmt.Errorf("delete orphaned identity %s: %w", identity, err)
	}

	e.audit(ctx, principal, model.AuditDelete, true, map[string]any{"identity": identity, "orphan": true})
	slog.Info("orphaned identity deleted", "principal_id", int64(principal), "domain", identity)
	return nil
}

// ExpireDomain moves a still-pending domain to expired. It reports whether
// the status changed.
func (e *DomainEngine) ExpireDomain(ctx context.Context, domain model.Domain) (bool, error) {
	changed, err := e.domains.ExpirePending(ctx, domain.ID)
	if err != nil {
		return false, fmt.Errorf("expire domain %s: %w", domain.Name, err)
	}
	if !changed {
		return false, nil
	}

	e.audit(ctx, domain.PrincipalID, model.AuditUpdate, true, map[string]any{
		"domain":   domain.Name,
		"from":     string(model.VerificationPending),
		"to":       string(model.VerificationExpired),
		"attempts": domain.VerificationAttempts,
	})
	e.metrics.DomainExpired()
	slog.Info("domain verification expired", "domain", domain.Name, "domain_id", domain.ID, "attempts", domain.VerificationAttempts)
	return true, nil
}

// authorize loads the domain and checks ownership. A domain owned by someone
// else is reported as not found.
func (e *DomainEngine) authorize(ctx context.Context, principal model.PrincipalID, domainID int64) (*model.Domain, error) {
	domain, err := e.domains.GetByID(ctx, domainID)
	if err != nil {
		return nil, fmt.Errorf("load domain %d: %w", domainID, err)
	}
	if domain == nil || domain.PrincipalID != principal {
		return nil, fmt.Errorf("domain %d: %w", domainID, driven.ErrDomainNotFound)
	}
	return domain, nil
}

func (e *DomainEngine) requireCredentials(ctx context.Context, principal model.PrincipalID) (*model.Credentials, error) {
	creds, err := e.credentials.Retrieve(ctx, principal)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("principal %d: %w", principal, driven.ErrCredentialsNotFound)
	}
	return creds, nil
}

func (e *DomainEngine) audit(ctx context.Context, principal model.PrincipalID, action model.AuditAction, success bool, detail map[string]any) {
	e.auditor.Record(ctx, AuditEvent{
		Principal: &principal,
		Action:    action,
		Resource:  ResourceDomain,
		Success:   success,
		Detail:    detail,
	})
}
