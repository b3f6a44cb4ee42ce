// Package accounts resolves a scenario role key to the credentials a
// Feature/Condition/Inject deploy authenticates with, backed
// by the `accounts` table.
package accounts

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
	"github.com/openrangelab/rangerd/internal/backend"
)

// Store resolves role keys to backend.Account credentials.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type accountRow struct {
	Username    string         `db:"username"`
	Password    sql.NullString `db:"password"`
	KeyMaterial sql.NullString `db:"key_material"`
}

// Resolve fetches the account linked to roleKey.
func (s *Store) Resolve(ctx context.Context, roleKey string) (backend.Account, error) {
	var row accountRow
	const q = `SELECT username, password, key_material FROM accounts WHERE role_key=$1 AND deleted_at IS NULL`
	if err := s.db.GetContext(ctx, &row, q, roleKey); err != nil {
		if err == sql.ErrNoRows {
			return backend.Account{}, apperrors.MissingReference("role", roleKey)
		}
		return backend.Account{}, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "account lookup failed", 500, err)
	}
	return backend.Account{User: row.Username, Pass: row.Password.String, Key: row.KeyMaterial.String}, nil
}
