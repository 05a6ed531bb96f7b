package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-realtime/internal/models"
)

// PostgresStore persists the message log, conversations and trip snapshots.
// Participant sets, unread counters and reports ride along as jsonb.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveMessage(ctx context.Context, m *models.Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages(id, conversation_id, sender_id, recipient_id, body, kind, status, deleted, created_at, delivered_at, read_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, deleted = EXCLUDED.deleted`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Body, m.Kind, m.Status, m.Deleted, m.CreatedAt, m.DeliveredAt, m.ReadAt)
	return err
}

func (p *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus, at time.Time) error {
	var err error
	switch status {
	case models.MessageDelivered:
		_, err = p.db.ExecContext(ctx, `UPDATE messages SET status=$1, delivered_at=$2 WHERE id=$3 AND status='sent'`, status, at, id)
	case models.MessageRead:
		_, err = p.db.ExecContext(ctx, `UPDATE messages SET status=$1, read_at=$2 WHERE id=$3 AND status<>'read'`, status, at, id)
	}
	return err
}

func (p *PostgresStore) MarkDeleted(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE messages SET deleted=true WHERE id=$1`, id)
	return err
}

func (p *PostgresStore) SaveReport(ctx context.Context, messageID string, rep models.MessageReport) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO message_reports(message_id, reporter_id, reason_code, created_at)
		VALUES($1,$2,$3,$4)`,
		messageID, rep.ReporterID, rep.ReasonCode, rep.At)
	return err
}

func (p *PostgresStore) SaveConversation(ctx context.Context, c *models.Conversation) error {
	participants, err := json.Marshal(c.ParticipantIDs())
	if err != nil {
		return err
	}
	unread, err := json.Marshal(c.UnreadCounts)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO conversations(id, kind, trip_id, participants, last_message_id, unread_counts, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET last_message_id = EXCLUDED.last_message_id, unread_counts = EXCLUDED.unread_counts, participants = EXCLUDED.participants`,
		c.ID, c.Kind, nullable(c.TripID), participants, nullable(c.LastMessageID), unread, c.CreatedAt)
	return err
}

func (p *PostgresStore) LoadConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, kind, COALESCE(trip_id,''), participants, COALESCE(last_message_id,''), unread_counts, created_at
		FROM conversations WHERE id=$1`, id)

	var c models.Conversation
	var participants, unread []byte
	err := row.Scan(&c.ID, &c.Kind, &c.TripID, &participants, &c.LastMessageID, &unread, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(participants, &ids); err != nil {
		return nil, err
	}
	c.Participants = make(map[string]struct{}, len(ids))
	for _, pid := range ids {
		c.Participants[pid] = struct{}{}
	}
	if err := json.Unmarshal(unread, &c.UnreadCounts); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) LoadMessages(ctx context.Context, conversationID string, page models.Page) ([]*models.Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, recipient_id, body, kind, status, deleted, created_at, delivered_at, read_at
		FROM messages WHERE conversation_id=$1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Body, &m.Kind, &m.Status, &m.Deleted, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveTripSnapshot(ctx context.Context, t *models.TripSession) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trip_snapshots(trip_id, driver_id, status, doc, created_at)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (trip_id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc`,
		t.ID, t.DriverID, t.Status, doc, time.Now())
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
