package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
	"github.com/ericfisherdev/mailgate/internal/metrics"
)

// Audit resources.
const (
	ResourceCredentials = "credentials"
	ResourceDomain      = "domain"
)

// Auditor writes signed, append-only audit entries. Write failures are logged
// and counted but never returned, so auditing cannot block the operation
// being audited.
type Auditor struct {
	store      driven.AuditStore
	cipher     driven.Cipher
	signingKey []byte
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewAuditor creates an Auditor. signingKey should be a subkey dedicated to
// audit signatures.
func NewAuditor(store driven.AuditStore, cipher driven.Cipher, signingKey []byte, m *metrics.Metrics) *Auditor {
	return &Auditor{
		store:      store,
		cipher:     cipher,
		signingKey: signingKey,
		metrics:    m,
		now:        time.Now,
	}
}

// AuditEvent is what a service reports; the Auditor fills in identity,
// origin, timestamp and signature.
type AuditEvent struct {
	Principal *model.PrincipalID
	Action    model.AuditAction
	Resource  string
	Success   bool
	Detail    map[string]any
}

// Record appends a signed entry for ev. The origin is taken from ctx.
func (a *Auditor) Record(ctx context.Context, ev AuditEvent) {
	origin := OriginFromContext(ctx)

	detail := make(map[string]any, len(ev.Detail)+1)
	for k, v := range ev.Detail {
		detail[k] = v
	}
	if client := describeClient(origin.ClientDescriptor); client != nil {
		detail["client"] = client
	}

	entry := model.AuditEntry{
		ID:               uuid.NewString(),
		PrincipalID:      ev.Principal,
		Action:           ev.Action,
		Resource:         ev.Resource,
		IPAddress:        origin.IPAddress,
		ClientDescriptor: origin.ClientDescriptor,
		Detail:           detail,
		Success:          ev.Success,
		CreatedAt:        a.now().UTC(),
	}

	// The caller's context may already be canceled when the operation being
	// audited failed for that reason; the entry must still be written.
	ctx = context.WithoutCancel(ctx)

	err := a.append(ctx, entry)
	if errors.Is(err, driven.ErrPrincipalNotFound) && entry.PrincipalID != nil {
		// No principals row to reference. Keep the id in detail instead so
		// the attempt is still on record.
		id := int64(*entry.PrincipalID)
		slog.Warn("audit principal unknown; recording without reference", "principal_id", id, "action", string(entry.Action))
		entry.PrincipalID = nil
		entry.Detail["principal_id"] = id
		err = a.append(ctx, entry)
	}
	if err != nil {
		a.fail(entry, err)
	}
}

func (a *Auditor) append(ctx context.Context, entry model.AuditEntry) error {
	payload, err := signingPayload(entry)
	if err != nil {
		return err
	}
	entry.Signature = a.cipher.KeyedHash(payload, a.signingKey)
	return a.store.Append(ctx, entry)
}

func (a *Auditor) fail(entry model.AuditEntry, err error) {
	a.metrics.AuditFailed()
	attrs := []any{
		"action", string(entry.Action),
		"resource", entry.Resource,
		"success", entry.Success,
		"error", err,
	}
	if entry.PrincipalID != nil {
		attrs = append(attrs, "principal_id", int64(*entry.PrincipalID))
	}
	slog.Error("audit write failed", attrs...)
}

// VerifyTrail checks the signature of every entry of the principal and
// returns the ids of entries that do not verify.
func (a *Auditor) VerifyTrail(ctx context.Context, principal model.PrincipalID) ([]string, error) {
	entries, err := a.store.ListByPrincipal(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	tampered := []string{}
	for _, entry := range entries {
		payload, err := signingPayload(entry)
		if err != nil || !a.cipher.VerifyKeyedHash(payload, a.signingKey, entry.Signature) {
			tampered = append(tampered, entry.ID)
		}
	}

	if len(tampered) > 0 {
		slog.Warn("audit trail verification failed",
			"principal_id", int64(principal),
			"entries", len(entries),
			"tampered", len(tampered),
		)
	}
	return tampered, nil
}

// signingPayload serializes the fields of entry that never change after
// insert. The principal reference is excluded because principal deletion
// nulls it. encoding/json sorts map keys, so detail is stable across a
// store round trip.
func signingPayload(entry model.AuditEntry) ([]byte, error) {
	detail := entry.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal audit detail: %w", err)
	}

	fields := []string{
		entry.ID,
		string(entry.Action),
		entry.Resource,
		entry.IPAddress,
		entry.ClientDescriptor,
		string(detailJSON),
		strconv.FormatBool(entry.Success),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return []byte(strings.Join(fields, "\x1f")), nil
}

// describeClient parses a User-Agent style descriptor into audit detail.
// It returns nil for an empty descriptor.
func describeClient(descriptor string) map[string]any {
	if descriptor == "" {
		return nil
	}

	ua := useragent.New(descriptor)
	browser, version := ua.Browser()
	return map[string]any{
		"browser":         browser,
		"browser_version": version,
		"os":              ua.OS(),
		"bot":             ua.Bot(),
		"mobile":          ua.Mobile(),
	}
}
