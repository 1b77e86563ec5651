package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AuditStore = (*AuditRepo)(nil)

// AuditRepo is the SQLite implementation of the AuditStore port interface.
// The schema rejects UPDATE and DELETE on audit_log except for the
// ON DELETE SET NULL of the principal reference.
type AuditRepo struct {
	db *DB
}

// NewAuditRepo creates a new AuditRepo backed by the given DB.
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Append inserts entry. Detail is stored as a JSON object.
func (r *AuditRepo) Append(ctx context.Context, entry model.AuditEntry) error {
	detail := entry.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	var principal any
	if entry.PrincipalID != nil {
		principal = *entry.PrincipalID
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const query = `
		INSERT INTO audit_log (
			id, principal_id, action, resource, ip_address, client_descriptor,
			detail, success, signature, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Writer.ExecContext(ctx, query,
		entry.ID, principal, string(entry.Action), entry.Resource, entry.IPAddress, entry.ClientDescriptor,
		string(detailJSON), boolToInt(entry.Success), entry.Signature, formatTime(createdAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("append audit entry %s: %w", entry.ID, driven.ErrPrincipalNotFound)
		}
		return fmt.Errorf("append audit entry %s: %w", entry.ID, err)
	}
	return nil
}

// ListByPrincipal returns the principal's entries oldest first.
func (r *AuditRepo) ListByPrincipal(ctx context.Context, principal model.PrincipalID) ([]model.AuditEntry, error) {
	const query = `
		SELECT id, principal_id, action, resource, ip_address, client_descriptor,
			detail, success, signature, created_at
		FROM audit_log
		WHERE principal_id = ?
		ORDER BY created_at, rowid
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, principal)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for principal %d: %w", principal, err)
	}
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(s scanner) (*model.AuditEntry, error) {
	var entry model.AuditEntry
	var principal sql.NullInt64
	var action, detailJSON, createdAt string
	var success int

	err := s.Scan(
		&entry.ID, &principal, &action, &entry.Resource, &entry.IPAddress, &entry.ClientDescriptor,
		&detailJSON, &success, &entry.Signature, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if principal.Valid {
		id := model.PrincipalID(principal.Int64)
		entry.PrincipalID = &id
	}
	entry.Action = model.AuditAction(action)
	entry.Success = success != 0

	if err := json.Unmarshal([]byte(detailJSON), &entry.Detail); err != nil {
		return nil, fmt.Errorf("unmarshal audit detail: %w", err)
	}
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &entry, nil
}
