package sqlite

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PrincipalStore = (*PrincipalRepo)(nil)

// PrincipalRepo is the SQLite implementation of the PrincipalStore port interface.
type PrincipalRepo struct {
	db *DB
}

// NewPrincipalRepo creates a new PrincipalRepo backed by the given DB.
func NewPrincipalRepo(db *DB) *PrincipalRepo {
	return &PrincipalRepo{db: db}
}

// Create inserts a principal and returns its id.
func (r *PrincipalRepo) Create(ctx context.Context, name string) (model.PrincipalID, error) {
	const query = `INSERT INTO principals (name) VALUES (?)`

	result, err := r.db.Writer.ExecContext(ctx, query, name)
	if err != nil {
		return 0, fmt.Errorf("create principal %s: %w", name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read principal id: %w", err)
	}
	return model.PrincipalID(id), nil
}

// Exists reports whether the principal exists.
func (r *PrincipalRepo) Exists(ctx context.Context, id model.PrincipalID) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM principals WHERE id = ?)`

	var exists int
	if err := r.db.Reader.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check principal %d: %w", id, err)
	}
	return exists != 0, nil
}

// Delete removes the principal. Credentials and domains cascade; audit
// entries keep their rows with a NULL principal reference.
func (r *PrincipalRepo) Delete(ctx context.Context, id model.PrincipalID) error {
	const query = `DELETE FROM principals WHERE id = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete principal %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delete principal %d: %w", id, driven.ErrPrincipalNotFound)
	}
	return nil
}
