package repo

import (
	"context"
	"database/sql"
	"errors"
)

type PostgresLeadRepo struct {
	db *sql.DB
}

func NewPostgresLeadRepo(db *sql.DB) *PostgresLeadRepo {
	return &PostgresLeadRepo{db: db}
}

func (r *PostgresLeadRepo) Phone(ctx context.Context, leadID int64) (string, error) {
	var mobile string
	err := r.db.QueryRowContext(ctx, `
		SELECT mobile FROM leads WHERE id = $1
	`, leadID).Scan(&mobile)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return mobile, err
}
