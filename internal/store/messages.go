package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CreateMessage persists a new tracked message.
func (s *Store) CreateMessage(ctx context.Context, m *TrackedMessage) error {
	m.ID = uuid.New()
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	if m.Status == "" {
		m.Status = MessageSent
	}

	query := `INSERT INTO tracked_messages (id, message_id, sender_user_id, recipient, subject,
		content, status, sent_at, open_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, NOW())`

	_, err := s.db.ExecContext(ctx, query, m.ID, m.MessageID, m.SenderUserID, m.Recipient,
		m.Subject, m.Content, m.Status, m.SentAt, m.Metadata)
	return err
}

// GetMessage retrieves a tracked message by its public token, including its
// ordered click history and form events. Returns (nil, nil) when absent.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*TrackedMessage, error) {
	query := `SELECT id, message_id, sender_user_id, recipient, subject, content, status,
		sent_at, opened_at, open_count, metadata
		FROM tracked_messages WHERE message_id = $1`

	m := &TrackedMessage{}
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(&m.ID, &m.MessageID, &m.SenderUserID,
		&m.Recipient, &m.Subject, &m.Content, &m.Status, &m.SentAt, &m.OpenedAt, &m.OpenCount, &m.Metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	clicks, err := s.loadClicks(ctx, []uuid.UUID{m.ID})
	if err != nil {
		return nil, err
	}
	m.Clicks = clicks[m.ID]
	if m.Clicks == nil {
		m.Clicks = []*ClickEvent{}
	}
	return m, nil
}

// ListMessages returns one page of a user's messages, newest first, with
// their click histories, plus the total message count for pagination.
func (s *Store) ListMessages(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*TrackedMessage, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM tracked_messages WHERE sender_user_id = $1`
	if err := s.db.QueryRowContext(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, message_id, sender_user_id, recipient, subject, status, sent_at,
		opened_at, open_count, metadata
		FROM tracked_messages WHERE sender_user_id = $1
		ORDER BY sent_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var messages []*TrackedMessage
	var ids []uuid.UUID
	for rows.Next() {
		m := &TrackedMessage{Clicks: []*ClickEvent{}}
		err := rows.Scan(&m.ID, &m.MessageID, &m.SenderUserID, &m.Recipient, &m.Subject,
			&m.Status, &m.SentAt, &m.OpenedAt, &m.OpenCount, &m.Metadata)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(ids) > 0 {
		clicks, err := s.loadClicks(ctx, ids)
		if err != nil {
			return nil, 0, err
		}
		for _, m := range messages {
			if c := clicks[m.ID]; c != nil {
				m.Clicks = c
			}
		}
	}
	return messages, total, nil
}

// loadClicks fetches click histories for a set of messages in one round
// trip, ordered by occurrence.
func (s *Store) loadClicks(ctx context.Context, messageRefs []uuid.UUID) (map[uuid.UUID][]*ClickEvent, error) {
	refs := make([]string, len(messageRefs))
	for i, id := range messageRefs {
		refs[i] = id.String()
	}

	query := `SELECT id, message_ref, url, occurred_at, utm_params, user_agent, ip,
		converted, conversion_at, COALESCE(converted_user_id, ''), COALESCE(confirmed_signup_url, '')
		FROM message_clicks WHERE message_ref = ANY($1)
		ORDER BY occurred_at, seq`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(refs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]*ClickEvent)
	var clickIDs []string
	byID := make(map[uuid.UUID]*ClickEvent)
	for rows.Next() {
		c := &ClickEvent{}
		var ref uuid.UUID
		err := rows.Scan(&c.ID, &ref, &c.URL, &c.OccurredAt, &c.UTMParams, &c.UserAgent, &c.IP,
			&c.Converted, &c.ConversionAt, &c.ConvertedUserID, &c.ConfirmedSignupURL)
		if err != nil {
			return nil, err
		}
		out[ref] = append(out[ref], c)
		byID[c.ID] = c
		clickIDs = append(clickIDs, c.ID.String())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(clickIDs) == 0 {
		return out, nil
	}

	feQuery := `SELECT id, click_id, event_type, form_step, success, occurred_at
		FROM click_form_events WHERE click_id = ANY($1) ORDER BY occurred_at, seq`

	feRows, err := s.db.QueryContext(ctx, feQuery, pq.Array(clickIDs))
	if err != nil {
		return nil, err
	}
	defer feRows.Close()

	for feRows.Next() {
		fe := &FormEvent{}
		var clickID uuid.UUID
		if err := feRows.Scan(&fe.ID, &clickID, &fe.EventType, &fe.FormStep, &fe.Success, &fe.OccurredAt); err != nil {
			return nil, err
		}
		if c := byID[clickID]; c != nil {
			c.FormEvents = append(c.FormEvents, fe)
		}
	}
	return out, feRows.Err()
}

// RecordOpen registers a pixel hit. The first hit sets opened_at; every hit,
// including the first, increments open_count. A single statement keeps the
// read-modify-write atomic under concurrent hits.
func (s *Store) RecordOpen(ctx context.Context, messageID string) error {
	query := `UPDATE tracked_messages SET
		open_count = open_count + 1,
		opened_at = COALESCE(opened_at, NOW())
		WHERE message_id = $1`

	res, err := s.db.ExecContext(ctx, query, messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordClick appends a click event to the message's ordered click log.
func (s *Store) RecordClick(ctx context.Context, messageID string, click *ClickEvent) error {
	click.ID = uuid.New()
	if click.OccurredAt.IsZero() {
		click.OccurredAt = time.Now()
	}

	query := `INSERT INTO message_clicks (id, message_ref, url, occurred_at, utm_params, user_agent, ip, converted)
		SELECT $1, m.id, $3, $4, $5, $6, $7, FALSE
		FROM tracked_messages m WHERE m.message_id = $2`

	res, err := s.db.ExecContext(ctx, query, click.ID, messageID, click.URL, click.OccurredAt,
		click.UTMParams, click.UserAgent, click.IP)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConvertLastClick marks the most recent click of a message as converted.
// The engine cannot know which physical click a signup came from, so the
// conversion always lands on the chronologically last click. The row is
// locked for the duration of the transaction so a concurrent click append
// or second conversion cannot interleave with the read-then-update.
func (s *Store) ConvertLastClick(ctx context.Context, messageID, convertedUserID, confirmedSignupURL string) (*ClickEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c := &ClickEvent{}
	selQuery := `SELECT c.id, c.url, c.occurred_at
		FROM message_clicks c
		JOIN tracked_messages m ON c.message_ref = m.id
		WHERE m.message_id = $1
		ORDER BY c.occurred_at DESC, c.seq DESC
		LIMIT 1 FOR UPDATE OF c`

	err = tx.QueryRowContext(ctx, selQuery, messageID).Scan(&c.ID, &c.URL, &c.OccurredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoClickToConvert
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updQuery := `UPDATE message_clicks SET converted = TRUE, conversion_at = $2,
		converted_user_id = $3, confirmed_signup_url = $4 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, updQuery, c.ID, now, convertedUserID, confirmedSignupURL); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	c.Converted = true
	c.ConversionAt = &now
	c.ConvertedUserID = convertedUserID
	c.ConfirmedSignupURL = confirmedSignupURL
	return c, nil
}

// AppendFormEvent attaches a form interaction to the most recent click of a
// message, under the same last-click row lock as conversions.
func (s *Store) AppendFormEvent(ctx context.Context, messageID string, ev *FormEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var clickID uuid.UUID
	selQuery := `SELECT c.id
		FROM message_clicks c
		JOIN tracked_messages m ON c.message_ref = m.id
		WHERE m.message_id = $1
		ORDER BY c.occurred_at DESC, c.seq DESC
		LIMIT 1 FOR UPDATE OF c`

	err = tx.QueryRowContext(ctx, selQuery, messageID).Scan(&clickID)
	if err == sql.ErrNoRows {
		return ErrNoClickToConvert
	}
	if err != nil {
		return err
	}

	ev.ID = uuid.New()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	insQuery := `INSERT INTO click_form_events (id, click_id, event_type, form_step, success, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.ExecContext(ctx, insQuery, ev.ID, clickID, ev.EventType, ev.FormStep, ev.Success, ev.OccurredAt); err != nil {
		return err
	}

	return tx.Commit()
}
