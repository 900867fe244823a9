package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/compliant-messaging/internal/model"
)

// PostgresStore implements the client, lead, consent, usage and marker
// stores on one pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ ClientRepository = (*PostgresStore)(nil)
	_ LeadRepository   = (*PostgresStore)(nil)
	_ ConsentStore     = (*PostgresStore)(nil)
	_ UsageCounter     = (*PostgresStore)(nil)
	_ MarkerStore      = (*PostgresStore)(nil)
)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) GetClient(ctx context.Context, id string) (model.Client, error) {
	var c model.Client
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, timezone, quiet_start_minute, quiet_end_minute,
		       monthly_message_limit, from_number, active
		FROM clients WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Timezone, &c.QuietStart, &c.QuietEnd, &c.MonthlyLimit, &c.FromNumber, &c.Active)
	return c, notFound(err)
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (model.Lead, error) {
	var l model.Lead
	err := s.pool.QueryRow(ctx, `
		SELECT id, client_id, name, phone, email, needs_attention
		FROM leads WHERE id = $1
	`, id).Scan(&l.ID, &l.ClientID, &l.Name, &l.Phone, &l.Email, &l.NeedsAttention)
	return l, notFound(err)
}

func (s *PostgresStore) SetNeedsAttention(ctx context.Context, id string, needsAttention bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE leads SET needs_attention = $2 WHERE id = $1`, id, needsAttention)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IsOptedOut(ctx context.Context, clientID, phone string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM opt_outs WHERE client_id = $1 AND phone = $2)
	`, clientID, phone).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) OptOut(ctx context.Context, clientID, phone string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opt_outs (client_id, phone) VALUES ($1, $2)
		ON CONFLICT (client_id, phone) DO NOTHING
	`, clientID, phone)
	return err
}

func (s *PostgresStore) IsBlocked(ctx context.Context, clientID, phone string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM blocked_numbers WHERE client_id = $1 AND phone = $2)
	`, clientID, phone).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Block(ctx context.Context, clientID, phone, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocked_numbers (client_id, phone, reason) VALUES ($1, $2, $3)
		ON CONFLICT (client_id, phone) DO UPDATE SET reason = EXCLUDED.reason
	`, clientID, phone, reason)
	return err
}

func (s *PostgresStore) TryIncrement(ctx context.Context, clientID string, limit int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE clients
		SET messages_sent_this_month = messages_sent_this_month + 1
		WHERE id = $1 AND messages_sent_this_month < $2
	`, clientID, limit)
	if err != nil {
		return false, fmt.Errorf("increment usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Decrement(ctx context.Context, clientID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE clients
		SET messages_sent_this_month = messages_sent_this_month - 1
		WHERE id = $1 AND messages_sent_this_month > 0
	`, clientID)
	return err
}

func (s *PostgresStore) Current(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT messages_sent_this_month FROM clients WHERE id = $1`, clientID).Scan(&n)
	return n, notFound(err)
}

func (s *PostgresStore) ResetAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `UPDATE clients SET messages_sent_this_month = 0 WHERE messages_sent_this_month <> 0`)
	return err
}

func (s *PostgresStore) AdvanceMarker(ctx context.Context, key, value string) (string, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev string
	err = tx.QueryRow(ctx, `SELECT value FROM system_markers WHERE key = $1 FOR UPDATE`, key).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO system_markers (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		WHERE system_markers.value <> EXCLUDED.value
	`, key, value)
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return prev, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetMarker(ctx context.Context, key, value string) error {
	if value == "" {
		_, err := s.pool.Exec(ctx, `DELETE FROM system_markers WHERE key = $1`, key)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_markers (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	return err
}

// PostgresEscalationRepo implements the claim ledger, the responder
// directory and the audit sink.
type PostgresEscalationRepo struct {
	pool *pgxpool.Pool
}

var (
	_ EscalationRepository = (*PostgresEscalationRepo)(nil)
	_ ResponderDirectory   = (*PostgresEscalationRepo)(nil)
	_ AuditSink            = (*PostgresEscalationRepo)(nil)
)

func NewPostgresEscalationRepo(pool *pgxpool.Pool) *PostgresEscalationRepo {
	return &PostgresEscalationRepo{pool: pool}
}

func (r *PostgresEscalationRepo) CreateClaim(ctx context.Context, c model.EscalationClaim) (model.EscalationClaim, error) {
	c.Status = model.ClaimPending
	err := r.pool.QueryRow(ctx, `
		INSERT INTO escalation_claims (id, lead_id, client_id, reason, detail, last_message, token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, c.ID, c.LeadID, c.ClientID, c.Reason, c.Detail, c.LastMessage, c.Token).Scan(&c.CreatedAt)
	if err != nil {
		return model.EscalationClaim{}, fmt.Errorf("insert escalation claim: %w", err)
	}
	return c, nil
}

func (r *PostgresEscalationRepo) GetClaimByToken(ctx context.Context, token string) (model.EscalationClaim, error) {
	var (
		c      model.EscalationClaim
		status string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, lead_id, client_id, reason, detail, last_message, token, status,
		       claimed_by, claimed_at, created_at
		FROM escalation_claims WHERE token = $1
	`, token).Scan(&c.ID, &c.LeadID, &c.ClientID, &c.Reason, &c.Detail, &c.LastMessage, &c.Token, &status,
		&c.ClaimedBy, &c.ClaimedAt, &c.CreatedAt)
	if err != nil {
		return model.EscalationClaim{}, notFound(err)
	}
	c.Status = model.ClaimStatus(status)
	return c, nil
}

func (r *PostgresEscalationRepo) ClaimEscalation(ctx context.Context, token, responderID string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escalation_claims
		SET status = 'claimed', claimed_by = $2, claimed_at = $3
		WHERE token = $1 AND status = 'pending'
	`, token, responderID, now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const responderColumns = `id, client_id, name, phone, email, priority, active, receive_escalations, notify_sms, notify_email`

func scanResponder(row pgx.Row) (model.Responder, error) {
	var p model.Responder
	err := row.Scan(&p.ID, &p.ClientID, &p.Name, &p.Phone, &p.Email, &p.Priority, &p.Active,
		&p.ReceiveEscalations, &p.NotifySMS, &p.NotifyEmail)
	return p, err
}

func (r *PostgresEscalationRepo) ListEscalationResponders(ctx context.Context, clientID string) ([]model.Responder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+responderColumns+`
		FROM responders
		WHERE client_id = $1 AND active AND receive_escalations
		ORDER BY priority ASC, id ASC
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Responder
	for rows.Next() {
		p, err := scanResponder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresEscalationRepo) GetResponder(ctx context.Context, id string) (model.Responder, error) {
	p, err := scanResponder(r.pool.QueryRow(ctx, `SELECT `+responderColumns+` FROM responders WHERE id = $1`, id))
	return p, notFound(err)
}

func (r *PostgresEscalationRepo) AppendConversation(ctx context.Context, e model.ConversationEntry) error {
	var scheduledID *string
	if e.ScheduledMessageID != "" {
		scheduledID = &e.ScheduledMessageID
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO conversations
			(id, client_id, lead_id, scheduled_message_id, direction, body, provider_message_id, sequence_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scheduled_message_id) DO NOTHING
	`, e.ID, e.ClientID, e.LeadID, scheduledID, e.Direction, e.Body, e.ProviderMessageID, e.SequenceType, e.CreatedAt.UTC())
	return err
}

func (r *PostgresEscalationRepo) IncrementDailyStat(ctx context.Context, clientID string, day time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO daily_stats (client_id, day, messages_sent) VALUES ($1, $2, 1)
		ON CONFLICT (client_id, day) DO UPDATE SET messages_sent = daily_stats.messages_sent + 1
	`, clientID, truncateDay(day))
	return err
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
