package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
)

type PostgresTemplateRepo struct {
	db *sql.DB
}

func NewPostgresTemplateRepo(db *sql.DB) *PostgresTemplateRepo {
	return &PostgresTemplateRepo{db: db}
}

func (r *PostgresTemplateRepo) Get(ctx context.Context, name string) (*model.Template, error) {
	var (
		t          model.Template
		businessID sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT name, provider_id, category, status, language, variable_count, business_id, synced_at
		FROM whatsapp_templates
		WHERE name = $1
	`, name).Scan(
		&t.Name, &t.ProviderID, &t.Category, &t.Status, &t.Language,
		&t.VariableCount, &businessID, &t.SyncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if businessID.Valid {
		v := businessID.Int64
		t.BusinessID = &v
	}
	return &t, nil
}

func (r *PostgresTemplateRepo) Upsert(ctx context.Context, t *model.Template) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO whatsapp_templates (
			name, provider_id, category, status, language, variable_count, business_id, synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			category = EXCLUDED.category,
			status = EXCLUDED.status,
			language = EXCLUDED.language,
			variable_count = EXCLUDED.variable_count,
			business_id = EXCLUDED.business_id,
			synced_at = EXCLUDED.synced_at
	`,
		t.Name, t.ProviderID, t.Category, t.Status, t.Language,
		t.VariableCount, t.BusinessID, t.SyncedAt,
	)
	return err
}
