package store

import "context"

// Schema is the full DDL for the engine's tables. Statements are idempotent
// so the migrator can be re-run safely.
const Schema = `
CREATE TABLE IF NOT EXISTS engine_users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	access_token TEXT,
	refresh_token TEXT,
	token_expiry TIMESTAMPTZ,
	daily_emails_sent INTEGER NOT NULL DEFAULT 0,
	last_reset_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	max_daily_emails INTEGER NOT NULL DEFAULT 50,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tracked_messages (
	id UUID PRIMARY KEY,
	message_id TEXT NOT NULL UNIQUE,
	sender_user_id UUID NOT NULL REFERENCES engine_users(id),
	recipient TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'sent',
	sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	opened_at TIMESTAMPTZ,
	open_count INTEGER NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tracked_messages_sender_sent
	ON tracked_messages (sender_user_id, sent_at DESC);

CREATE TABLE IF NOT EXISTS message_clicks (
	id UUID PRIMARY KEY,
	seq BIGSERIAL,
	message_ref UUID NOT NULL REFERENCES tracked_messages(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	utm_params JSONB NOT NULL DEFAULT '{}',
	user_agent TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	converted BOOLEAN NOT NULL DEFAULT FALSE,
	conversion_at TIMESTAMPTZ,
	converted_user_id TEXT,
	confirmed_signup_url TEXT
);

CREATE INDEX IF NOT EXISTS idx_message_clicks_ref_order
	ON message_clicks (message_ref, occurred_at DESC, seq DESC);

CREATE TABLE IF NOT EXISTS click_form_events (
	id UUID PRIMARY KEY,
	seq BIGSERIAL,
	click_id UUID NOT NULL REFERENCES message_clicks(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	form_step TEXT NOT NULL DEFAULT '',
	success BOOLEAN NOT NULL DEFAULT FALSE,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_click_form_events_click
	ON click_form_events (click_id, occurred_at);
`

// Migrate applies the schema to the connected database.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}
