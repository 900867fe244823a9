package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/compliant-messaging/internal/model"
)

type PostgresMessageRepo struct {
	pool *pgxpool.Pool
}

var _ MessageRepository = (*PostgresMessageRepo)(nil)

func NewPostgresMessageRepo(pool *pgxpool.Pool) *PostgresMessageRepo {
	return &PostgresMessageRepo{pool: pool}
}

const messageColumns = `
	m.id, m.client_id, m.lead_id, m.send_at, m.content, m.sequence_type, m.sequence_step,
	m.state, m.sent_at, m.provider_message_id, m.cancelled_at, m.cancelled_reason, m.created_at`

func scanMessage(row pgx.Row, extra ...any) (model.ScheduledMessage, error) {
	var (
		m          model.ScheduledMessage
		state      string
		sentAt     *time.Time
		providerID *string
		cancelAt   *time.Time
		reason     *string
	)
	dest := []any{
		&m.ID, &m.ClientID, &m.LeadID, &m.SendAt, &m.Content, &m.SequenceType, &m.SequenceStep,
		&state, &sentAt, &providerID, &cancelAt, &reason, &m.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return model.ScheduledMessage{}, err
	}

	switch model.Status(state) {
	case model.Sent:
		m.State = model.SentState(*sentAt, deref(providerID))
	case model.Cancelled:
		m.State = model.CancelledState(*cancelAt, deref(reason))
	default:
		m.State = model.PendingState()
	}
	return m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m model.ScheduledMessage) (model.ScheduledMessage, error) {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO scheduled_messages (id, client_id, lead_id, send_at, content, sequence_type, sequence_step)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, m.ID, m.ClientID, m.LeadID, m.SendAt.UTC(), m.Content, m.SequenceType, m.SequenceStep).Scan(&m.CreatedAt)
	if err != nil {
		return model.ScheduledMessage{}, fmt.Errorf("insert scheduled message: %w", err)
	}
	m.State = model.PendingState()
	return m, nil
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id string) (model.ScheduledMessage, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx, `SELECT`+messageColumns+` FROM scheduled_messages m WHERE m.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ScheduledMessage{}, ErrNotFound
	}
	return m, err
}

func (r *PostgresMessageRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]model.DueMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.pool.Query(ctx, `
		SELECT`+messageColumns+`,
		       l.name, l.phone, l.email, l.needs_attention,
		       c.name, c.timezone, c.quiet_start_minute, c.quiet_end_minute,
		       c.monthly_message_limit, c.from_number, c.active
		FROM scheduled_messages m
		JOIN leads l ON l.id = m.lead_id
		JOIN clients c ON c.id = m.client_id
		WHERE m.state = 'pending' AND m.send_at <= $1
		ORDER BY m.send_at ASC, m.id ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due messages: %w", err)
	}
	defer rows.Close()

	var out []model.DueMessage
	for rows.Next() {
		var d model.DueMessage
		m, err := scanMessage(rows,
			&d.Lead.Name, &d.Lead.Phone, &d.Lead.Email, &d.Lead.NeedsAttention,
			&d.Client.Name, &d.Client.Timezone, &d.Client.QuietStart, &d.Client.QuietEnd,
			&d.Client.MonthlyLimit, &d.Client.FromNumber, &d.Client.Active,
		)
		if err != nil {
			return nil, err
		}
		d.Message = m
		d.Lead.ID = m.LeadID
		d.Lead.ClientID = m.ClientID
		d.Client.ID = m.ClientID
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepo) exec(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresMessageRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE scheduled_messages
		SET state = 'sent', sent_at = $2, updated_at = now()
		WHERE id = $1 AND state = 'pending'
	`, id, now.UTC())
}

func (r *PostgresMessageRepo) Unclaim(ctx context.Context, id string) (bool, error) {
	return r.exec(ctx, `
		UPDATE scheduled_messages
		SET state = 'pending', sent_at = NULL, provider_message_id = NULL, updated_at = now()
		WHERE id = $1 AND state = 'sent'
	`, id)
}

func (r *PostgresMessageRepo) Reschedule(ctx context.Context, id string, sendAt time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE scheduled_messages
		SET state = 'pending', sent_at = NULL, provider_message_id = NULL, send_at = $2, updated_at = now()
		WHERE id = $1 AND state = 'sent'
	`, id, sendAt.UTC())
}

func (r *PostgresMessageRepo) RecordProvider(ctx context.Context, id, providerMessageID string) error {
	ok, err := r.exec(ctx, `
		UPDATE scheduled_messages
		SET provider_message_id = $2, updated_at = now()
		WHERE id = $1 AND state = 'sent'
	`, id, providerMessageID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scheduled message %s is not in sent state", id)
	}
	return nil
}

func (r *PostgresMessageRepo) Cancel(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE scheduled_messages
		SET state = 'cancelled', cancelled_at = $3, cancelled_reason = $2, updated_at = now()
		WHERE id = $1 AND state = 'pending'
	`, id, reason, now.UTC())
}

func (r *PostgresMessageRepo) CancelClaimed(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE scheduled_messages
		SET state = 'cancelled', sent_at = NULL, provider_message_id = NULL,
		    cancelled_at = $3, cancelled_reason = $2, updated_at = now()
		WHERE id = $1 AND state = 'sent'
	`, id, reason, now.UTC())
}

func (r *PostgresMessageRepo) CancelPendingForPhone(ctx context.Context, clientID, phone, reason string, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_messages m
		SET state = 'cancelled', cancelled_at = $4, cancelled_reason = $3, updated_at = now()
		FROM leads l
		WHERE l.id = m.lead_id AND m.client_id = $1 AND l.phone = $2 AND m.state = 'pending'
	`, clientID, phone, reason, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresMessageRepo) ListSent(ctx context.Context, limit, offset int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT`+messageColumns+`
		FROM scheduled_messages m
		WHERE m.state = 'sent'
		ORDER BY m.sent_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
