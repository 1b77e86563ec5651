package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port interface.
// It stores ciphertext, IV and tag columns per secret and never sees plaintext.
type CredentialRepo struct {
	db  *DB
	now func() time.Time
}

// NewCredentialRepo creates a new CredentialRepo backed by the given DB.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db, now: time.Now}
}

const credentialColumns = `
	id, principal_id, region,
	access_key_ciphertext, access_key_iv, access_key_tag,
	secret_key_ciphertext, secret_key_iv, secret_key_tag,
	session_token_ciphertext, session_token_iv, session_token_tag,
	valid, last_validated, created_at, updated_at`

// Replace deletes any prior set for the principal and inserts the new one in
// a single transaction, so readers see either the old set or the new one.
func (r *CredentialRepo) Replace(ctx context.Context, set model.CredentialSet) error {
	if err := checkCredentialSet(set); err != nil {
		return err
	}

	now := r.now()
	sessCT, sessIV, sessTag := sessionTokenColumns(set.SessionToken)

	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		const deleteQuery = `DELETE FROM credential_sets WHERE principal_id = ?`
		if _, err := tx.ExecContext(ctx, deleteQuery, set.PrincipalID); err != nil {
			return fmt.Errorf("delete prior credentials for principal %d: %w", set.PrincipalID, err)
		}

		const insertQuery = `
			INSERT INTO credential_sets (
				principal_id, region,
				access_key_ciphertext, access_key_iv, access_key_tag,
				secret_key_ciphertext, secret_key_iv, secret_key_tag,
				session_token_ciphertext, session_token_iv, session_token_tag,
				valid, last_validated, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, insertQuery,
			set.PrincipalID, set.Region,
			set.AccessKey.Ciphertext, set.AccessKey.IV, set.AccessKey.Tag,
			set.SecretKey.Ciphertext, set.SecretKey.IV, set.SecretKey.Tag,
			sessCT, sessIV, sessTag,
			boolToInt(set.Valid), formatTime(set.LastValidated), formatTime(now), formatTime(now),
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("insert credentials for principal %d: %w", set.PrincipalID, driven.ErrPrincipalNotFound)
			}
			return fmt.Errorf("insert credentials for principal %d: %w", set.PrincipalID, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// Update overwrites the principal's existing row in place.
func (r *CredentialRepo) Update(ctx context.Context, set model.CredentialSet) error {
	if err := checkCredentialSet(set); err != nil {
		return err
	}

	sessCT, sessIV, sessTag := sessionTokenColumns(set.SessionToken)

	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			UPDATE credential_sets SET
				region = ?,
				access_key_ciphertext = ?, access_key_iv = ?, access_key_tag = ?,
				secret_key_ciphertext = ?, secret_key_iv = ?, secret_key_tag = ?,
				session_token_ciphertext = ?, session_token_iv = ?, session_token_tag = ?,
				valid = ?, last_validated = ?, updated_at = ?
			WHERE principal_id = ?
		`
		result, err := tx.ExecContext(ctx, query,
			set.Region,
			set.AccessKey.Ciphertext, set.AccessKey.IV, set.AccessKey.Tag,
			set.SecretKey.Ciphertext, set.SecretKey.IV, set.SecretKey.Tag,
			sessCT, sessIV, sessTag,
			boolToInt(set.Valid), formatTime(set.LastValidated), formatTime(r.now()),
			set.PrincipalID,
		)
		if err != nil {
			return fmt.Errorf("update credentials for principal %d: %w", set.PrincipalID, err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("update credentials for principal %d: %w", set.PrincipalID, driven.ErrCredentialsNotFound)
		}
		return nil
	})
	return err
}

// Get returns the principal's credential set, or (nil, nil) if none exists.
func (r *CredentialRepo) Get(ctx context.Context, principal model.PrincipalID) (*model.CredentialSet, error) {
	query := `SELECT ` + credentialColumns + ` FROM credential_sets WHERE principal_id = ?`

	set, err := scanCredentialSet(r.db.Reader.QueryRowContext(ctx, query, principal))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials for principal %d: %w", principal, err)
	}
	return set, nil
}

// Delete removes the principal's credential set and reports whether one existed.
func (r *CredentialRepo) Delete(ctx context.Context, principal model.PrincipalID) (bool, error) {
	var existed bool
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		const query = `DELETE FROM credential_sets WHERE principal_id = ?`
		result, err := tx.ExecContext(ctx, query, principal)
		if err != nil {
			return fmt.Errorf("delete credentials for principal %d: %w", principal, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		existed = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// IsValid reads only the valid flag.
func (r *CredentialRepo) IsValid(ctx context.Context, principal model.PrincipalID) (bool, error) {
	const query = `SELECT valid FROM credential_sets WHERE principal_id = ?`

	var valid int
	err := r.db.Reader.QueryRowContext(ctx, query, principal).Scan(&valid)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read validity for principal %d: %w", principal, err)
	}
	return valid != 0, nil
}

// SetValidity stamps the valid flag and last_validated without touching secrets.
func (r *CredentialRepo) SetValidity(ctx context.Context, principal model.PrincipalID, valid bool, at time.Time) error {
	const query = `UPDATE credential_sets SET valid = ?, last_validated = ?, updated_at = ? WHERE principal_id = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, boolToInt(valid), formatTime(at), formatTime(r.now()), principal)
	if err != nil {
		return fmt.Errorf("set validity for principal %d: %w", principal, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("set validity for principal %d: %w", principal, driven.ErrCredentialsNotFound)
	}
	return nil
}

// ListPrincipals returns every principal with a stored credential set, ordered by id.
func (r *CredentialRepo) ListPrincipals(ctx context.Context) ([]model.PrincipalID, error) {
	const query = `SELECT principal_id FROM credential_sets ORDER BY principal_id`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credential principals: %w", err)
	}
	defer rows.Close()

	var ids []model.PrincipalID
	for rows.Next() {
		var id model.PrincipalID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan principal id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential principals: %w", err)
	}
	return ids, nil
}

// checkCredentialSet rejects sets whose required fields cannot be opened or
// whose optional session token group is partially populated.
func checkCredentialSet(set model.CredentialSet) error {
	if !set.AccessKey.IsComplete() {
		return errors.New("access key field is incomplete")
	}
	if !set.SecretKey.IsComplete() {
		return errors.New("secret key field is incomplete")
	}
	if set.SessionToken != nil && !set.SessionToken.IsComplete() {
		return errors.New("session token field is incomplete")
	}
	return nil
}

func sessionTokenColumns(f *model.EncryptedField) (ct, iv, tag any) {
	if f == nil {
		return nil, nil, nil
	}
	return f.Ciphertext, f.IV, f.Tag
}

func scanCredentialSet(s scanner) (*model.CredentialSet, error) {
	var set model.CredentialSet
	var sessCT, sessIV, sessTag sql.NullString
	var valid int
	var lastValidated sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&set.ID, &set.PrincipalID, &set.Region,
		&set.AccessKey.Ciphertext, &set.AccessKey.IV, &set.AccessKey.Tag,
		&set.SecretKey.Ciphertext, &set.SecretKey.IV, &set.SecretKey.Tag,
		&sessCT, &sessIV, &sessTag,
		&valid, &lastValidated, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if sessCT.Valid {
		set.SessionToken = &model.EncryptedField{
			Ciphertext: sessCT.String,
			IV:         sessIV.String,
			Tag:        sessTag.String,
		}
	}
	set.Valid = valid != 0

	if set.LastValidated, err = parseNullTime(lastValidated); err != nil {
		return nil, fmt.Errorf("parse last_validated: %w", err)
	}
	if set.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if set.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &set, nil
}
