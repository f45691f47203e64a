package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
)

type PostgresSendRepo struct {
	db *sql.DB
}

func NewPostgresSendRepo(db *sql.DB) *PostgresSendRepo {
	return &PostgresSendRepo{db: db}
}

func (r *PostgresSendRepo) Create(ctx context.Context, send *model.MessageSend) error {
	variables, err := json.Marshal(send.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	return r.db.QueryRowContext(ctx, `
		INSERT INTO whatsapp_sends (
			job_id, lead_id, phone, template_name, variables,
			wa_message_id, status, sent_at, error_message,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING id
	`,
		send.JobID, send.LeadID, send.Phone, send.TemplateName, variables,
		send.WAMessageID, string(send.Status), send.SentAt, send.ErrorMessage,
	).Scan(&send.ID)
}

func (r *PostgresSendRepo) ListByJob(ctx context.Context, jobID string) ([]model.MessageSend, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, lead_id, phone, template_name, variables,
		       wa_message_id, status, sent_at, delivered_at, read_at,
		       error_message, created_at, updated_at
		FROM whatsapp_sends
		WHERE job_id = $1
		ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MessageSend
	for rows.Next() {
		var (
			s           model.MessageSend
			status      string
			leadID      sql.NullInt64
			variables   []byte
			waMessageID sql.NullString
			sentAt      sql.NullTime
			deliveredAt sql.NullTime
			readAt      sql.NullTime
			errMsg      sql.NullString
		)
		if err := rows.Scan(
			&s.ID, &s.JobID, &leadID, &s.Phone, &s.TemplateName, &variables,
			&waMessageID, &status, &sentAt, &deliveredAt, &readAt,
			&errMsg, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}

		s.Status = model.SendStatus(status)
		if leadID.Valid {
			v := leadID.Int64
			s.LeadID = &v
		}
		if len(variables) > 0 {
			if err := json.Unmarshal(variables, &s.Variables); err != nil {
				return nil, fmt.Errorf("unmarshal variables for send %d: %w", s.ID, err)
			}
		}
		if waMessageID.Valid {
			v := waMessageID.String
			s.WAMessageID = &v
		}
		if sentAt.Valid {
			t := sentAt.Time
			s.SentAt = &t
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			s.DeliveredAt = &t
		}
		if readAt.Valid {
			t := readAt.Time
			s.ReadAt = &t
		}
		if errMsg.Valid {
			v := errMsg.String
			s.ErrorMessage = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkDelivered upgrades a sent record; delivered/read/failed records are
// left alone.
func (r *PostgresSendRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE whatsapp_sends
		SET status = 'delivered',
		    delivered_at = COALESCE(delivered_at, $2),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'sent'
	`, id, at)
	return err
}

// MarkRead upgrades a sent or delivered record.
func (r *PostgresSendRepo) MarkRead(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE whatsapp_sends
		SET status = 'read',
		    read_at = COALESCE(read_at, $2),
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('sent', 'delivered')
	`, id, at)
	return err
}

// MarkFailed only applies to records still in sent; a delivery or read
// receipt outranks a late failure report.
func (r *PostgresSendRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE whatsapp_sends
		SET status = 'failed',
		    error_message = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'sent'
	`, id, reason)
	return err
}

func (r *PostgresSendRepo) CountByJob(ctx context.Context, jobID string) (SendCounts, error) {
	var c SendCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status IN ('sent', 'delivered', 'read')),
		       count(*) FILTER (WHERE status IN ('delivered', 'read')),
		       count(*) FILTER (WHERE status = 'read'),
		       count(*) FILTER (WHERE status = 'failed')
		FROM whatsapp_sends
		WHERE job_id = $1
	`, jobID).Scan(&c.Total, &c.Sent, &c.Delivered, &c.Read, &c.Failed)
	return c, err
}
