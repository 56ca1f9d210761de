package store

import (
	"context"

	"github.com/google/uuid"
)

// UserStats computes the aggregate engagement report for a user: per-status
// buckets across all time plus a bucket for messages sent today. The three
// known statuses are always present in the overall map, zero-filled when the
// user has no messages in them.
func (s *Store) UserStats(ctx context.Context, userID uuid.UUID) (*Stats, error) {
	stats := &Stats{
		Overall: map[string]StatusStats{
			MessageSent:      {},
			MessageDelivered: {},
			MessageFailed:    {},
		},
	}

	query := `SELECT m.status,
		COUNT(*),
		COUNT(*) FILTER (WHERE m.opened_at IS NOT NULL),
		COALESCE(SUM(m.open_count), 0),
		COALESCE(SUM(ck.clicks), 0),
		COALESCE(SUM(ck.conversions), 0)
		FROM tracked_messages m
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS clicks,
			       COUNT(*) FILTER (WHERE c.converted) AS conversions
			FROM message_clicks c WHERE c.message_ref = m.id
		) ck ON TRUE
		WHERE m.sender_user_id = $1
		GROUP BY m.status`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var b StatusStats
		if err := rows.Scan(&status, &b.Sent, &b.Opens, &b.TotalOpens, &b.Clicks, &b.Conversions); err != nil {
			return nil, err
		}
		stats.Overall[status] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	todayQuery := `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE m.opened_at IS NOT NULL),
		COALESCE(SUM(ck.clicks), 0),
		COALESCE(SUM(ck.conversions), 0)
		FROM tracked_messages m
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS clicks,
			       COUNT(*) FILTER (WHERE c.converted) AS conversions
			FROM message_clicks c WHERE c.message_ref = m.id
		) ck ON TRUE
		WHERE m.sender_user_id = $1 AND m.sent_at::date = CURRENT_DATE`

	err = s.db.QueryRowContext(ctx, todayQuery, userID).Scan(&stats.Today.Sent,
		&stats.Today.Opens, &stats.Today.Clicks, &stats.Today.Conversions)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
