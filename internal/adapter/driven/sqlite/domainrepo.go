package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.DomainStore = (*DomainRepo)(nil)

// DomainRepo is the SQLite implementation of the DomainStore port interface.
// Signing tokens are serialized as a JSON array in a TEXT column.
type DomainRepo struct {
	db  *DB
	now func() time.Time
}

// NewDomainRepo creates a new DomainRepo backed by the given DB.
func NewDomainRepo(db *DB) *DomainRepo {
	return &DomainRepo{db: db, now: time.Now}
}

const domainColumns = `
	id, principal_id, name, status, identity_ref, ownership_token, signing_tokens,
	dns_records_generated, verification_attempts, last_verification_attempt, verified_at,
	created_at, updated_at`

// CreateWithRecords inserts the domain, inserts its record set, then marks the
// records as generated, all in one transaction.
func (r *DomainRepo) CreateWithRecords(ctx context.Context, domain model.Domain, records []model.DNSRecord) (*model.Domain, error) {
	tokensJSON, err := marshalTokens(domain.SigningTokens)
	if err != nil {
		return nil, err
	}

	status := domain.Status
	if status == "" {
		status = model.VerificationPending
	}
	now := formatTime(r.now())

	var id int64
	err = r.db.withTx(ctx, func(tx *sql.Tx) error {
		const insertQuery = `
			INSERT INTO domains (
				principal_id, name, status, identity_ref, ownership_token, signing_tokens,
				dns_records_generated, verification_attempts, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		`
		result, err := tx.ExecContext(ctx, insertQuery,
			domain.PrincipalID, domain.Name, string(status), domain.IdentityRef,
			domain.OwnershipToken, tokensJSON, now, now,
		)
		if err != nil {
			switch {
			case isUniqueViolation(err):
				return fmt.Errorf("insert domain %s: %w", domain.Name, driven.ErrDomainExists)
			case isForeignKeyViolation(err):
				return fmt.Errorf("insert domain %s: %w", domain.Name, driven.ErrPrincipalNotFound)
			}
			return fmt.Errorf("insert domain %s: %w", domain.Name, err)
		}

		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("read domain id: %w", err)
		}

		if err := insertRecords(ctx, tx, id, records); err != nil {
			return err
		}

		const markQuery = `UPDATE domains SET dns_records_generated = 1 WHERE id = ?`
		if _, err := tx.ExecContext(ctx, markQuery, id); err != nil {
			return fmt.Errorf("mark records generated for domain %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.getByID(ctx, r.db.Writer, id)
}

// GetByID returns the domain, or (nil, nil) if it does not exist.
func (r *DomainRepo) GetByID(ctx context.Context, id int64) (*model.Domain, error) {
	return r.getByID(ctx, r.db.Reader, id)
}

func (r *DomainRepo) getByID(ctx context.Context, q querier, id int64) (*model.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE id = ?`

	d, err := scanDomain(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get domain %d: %w", id, err)
	}
	return d, nil
}

// GetByName returns the principal's domain by name, or (nil, nil).
func (r *DomainRepo) GetByName(ctx context.Context, principal model.PrincipalID, name string) (*model.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE principal_id = ? AND name = ?`

	d, err := scanDomain(r.db.Reader.QueryRowContext(ctx, query, principal, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get domain %s: %w", name, err)
	}
	return d, nil
}

// ListByPrincipal returns the principal's domains ordered by name.
func (r *DomainRepo) ListByPrincipal(ctx context.Context, principal model.PrincipalID) ([]model.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE principal_id = ? ORDER BY name`
	return r.list(ctx, query, principal)
}

// ListByStatus returns all domains in the given status ordered by id.
func (r *DomainRepo) ListByStatus(ctx context.Context, status model.VerificationStatus) ([]model.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE status = ? ORDER BY id`
	return r.list(ctx, query, string(status))
}

func (r *DomainRepo) list(ctx context.Context, query string, args ...any) ([]model.Domain, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	domains := []model.Domain{}
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return domains, nil
}

// RecordVerification applies one verification result. The attempt counter is
// incremented in SQL so concurrent checks never lose an increment, and
// verified_at is only written while it is still NULL.
func (r *DomainRepo) RecordVerification(ctx context.Context, id int64, update model.VerificationUpdate) (*model.Domain, error) {
	if !update.Status.IsValid() {
		return nil, fmt.Errorf("record verification for domain %d: invalid status %q", id, update.Status)
	}

	var verifiedAt any
	if update.Status == model.VerificationVerified {
		at := update.VerifiedAt
		if at.IsZero() {
			at = update.AttemptedAt
		}
		verifiedAt = formatTime(at)
	}

	const query = `
		UPDATE domains SET
			status = ?,
			verification_attempts = verification_attempts + 1,
			last_verification_attempt = ?,
			verified_at = COALESCE(verified_at, ?),
			updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.Writer.ExecContext(ctx, query,
		string(update.Status), formatTime(update.AttemptedAt), verifiedAt, formatTime(r.now()), id,
	)
	if err != nil {
		return nil, fmt.Errorf("record verification for domain %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("record verification for domain %d: %w", id, driven.ErrDomainNotFound)
	}

	return r.getByID(ctx, r.db.Writer, id)
}

// ExpirePending moves the domain to expired only while it is still pending,
// so a concurrent successful check is never overwritten.
func (r *DomainRepo) ExpirePending(ctx context.Context, id int64) (bool, error) {
	const query = `UPDATE domains SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

	result, err := r.db.Writer.ExecContext(ctx, query,
		string(model.VerificationExpired), formatTime(r.now()), id, string(model.VerificationPending),
	)
	if err != nil {
		return false, fmt.Errorf("expire domain %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReplaceRecords swaps the signing tokens and the whole record set atomically.
func (r *DomainRepo) ReplaceRecords(ctx context.Context, id int64, signingTokens []string, records []model.DNSRecord) error {
	tokensJSON, err := marshalTokens(signingTokens)
	if err != nil {
		return err
	}

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		const updateQuery = `UPDATE domains SET signing_tokens = ?, dns_records_generated = 1, updated_at = ? WHERE id = ?`
		result, err := tx.ExecContext(ctx, updateQuery, tokensJSON, formatTime(r.now()), id)
		if err != nil {
			return fmt.Errorf("update signing tokens for domain %d: %w", id, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("replace records for domain %d: %w", id, driven.ErrDomainNotFound)
		}

		const deleteQuery = `DELETE FROM dns_records WHERE domain_id = ?`
		if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
			return fmt.Errorf("delete records for domain %d: %w", id, err)
		}

		return insertRecords(ctx, tx, id, records)
	})
}

// ListRecords returns the domain's records in derivation order.
func (r *DomainRepo) ListRecords(ctx context.Context, domainID int64) ([]model.DNSRecord, error) {
	const query = `
		SELECT id, domain_id, record_type, name, value, ttl, priority, purpose
		FROM dns_records
		WHERE domain_id = ?
		ORDER BY position
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("query records for domain %d: %w", domainID, err)
	}
	defer rows.Close()

	records := []model.DNSRecord{}
	for rows.Next() {
		var rec model.DNSRecord
		var recordType, purpose string
		var priority sql.NullInt64

		if err := rows.Scan(&rec.ID, &rec.DomainID, &recordType, &rec.Name, &rec.Value, &rec.TTL, &priority, &purpose); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Type = model.RecordType(recordType)
		rec.Purpose = model.RecordPurpose(purpose)
		if priority.Valid {
			p := int(priority.Int64)
			rec.Priority = &p
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Delete removes the domain. Records are removed by ON DELETE CASCADE.
func (r *DomainRepo) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM domains WHERE id = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete domain %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delete domain %d: %w", id, driven.ErrDomainNotFound)
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, domainID int64, records []model.DNSRecord) error {
	const query = `
		INSERT INTO dns_records (domain_id, position, record_type, name, value, ttl, priority, purpose)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, rec := range records {
		var priority any
		if rec.Priority != nil {
			priority = *rec.Priority
		}
		if _, err := tx.ExecContext(ctx, query,
			domainID, i, string(rec.Type), rec.Name, rec.Value, rec.TTL, priority, string(rec.Purpose),
		); err != nil {
			return fmt.Errorf("insert %s record %s for domain %d: %w", rec.Type, rec.Name, domainID, err)
		}
	}
	return nil
}

func marshalTokens(tokens []string) (string, error) {
	if tokens == nil {
		tokens = []string{}
	}
	b, err := json.Marshal(tokens)
	if err != nil {
		return "", fmt.Errorf("marshal signing tokens: %w", err)
	}
	return string(b), nil
}

func scanDomain(s scanner) (*model.Domain, error) {
	var d model.Domain
	var status, tokensJSON string
	var generated int
	var lastAttempt, verifiedAt sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&d.ID, &d.PrincipalID, &d.Name, &status, &d.IdentityRef, &d.OwnershipToken, &tokensJSON,
		&generated, &d.VerificationAttempts, &lastAttempt, &verifiedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = model.VerificationStatus(status)
	d.DNSRecordsGenerated = generated != 0

	if err := json.Unmarshal([]byte(tokensJSON), &d.SigningTokens); err != nil {
		return nil, fmt.Errorf("unmarshal signing tokens: %w", err)
	}
	if d.LastVerificationAttempt, err = parseNullTime(lastAttempt); err != nil {
		return nil, fmt.Errorf("parse last_verification_attempt: %w", err)
	}
	if d.VerifiedAt, err = parseNullTime(verifiedAt); err != nil {
		return nil, fmt.Errorf("parse verified_at: %w", err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &d, nil
}
