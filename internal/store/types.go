package store

import (
	"time"

	"github.com/google/uuid"
)

// Message statuses.
const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageFailed    = "failed"
)

// Credential holds the per-user OAuth token used for outbound mail.
type Credential struct {
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	Expiry       *time.Time `json:"-"`
}

// User is a sender account with its mail credential and daily quota state.
type User struct {
	ID              uuid.UUID  `json:"id"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	Credential      Credential `json:"-"`
	DailyEmailsSent int        `json:"daily_emails_sent"`
	LastResetDate   time.Time  `json:"last_reset_date"`
	MaxDailyEmails  int        `json:"max_daily_emails"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TrackedMessage is the persisted record of one sent email and its
// interaction history. MessageID is the public opaque token embedded in
// tracking URLs; it never changes after creation.
type TrackedMessage struct {
	ID           uuid.UUID     `json:"-"`
	MessageID    string        `json:"message_id"`
	SenderUserID uuid.UUID     `json:"user_id"`
	Recipient    string        `json:"recipient"`
	Subject      string        `json:"subject"`
	Content      string        `json:"content,omitempty"`
	Status       string        `json:"status"`
	SentAt       time.Time     `json:"sent_at"`
	OpenedAt     *time.Time    `json:"opened_at,omitempty"`
	OpenCount    int           `json:"open_count"`
	Clicks       []*ClickEvent `json:"clicks"`
	Metadata     JSONMap       `json:"metadata,omitempty"`
}

// ClickEvent is one recorded click-through, ordered by occurrence within
// its message. Conversion and form events always attach to the most recent
// click of the message.
type ClickEvent struct {
	ID                 uuid.UUID    `json:"-"`
	URL                string       `json:"url"`
	OccurredAt         time.Time    `json:"timestamp"`
	UTMParams          JSONMap      `json:"utm_params,omitempty"`
	UserAgent          string       `json:"user_agent,omitempty"`
	IP                 string       `json:"ip,omitempty"`
	Converted          bool         `json:"converted"`
	ConversionAt       *time.Time   `json:"conversion_timestamp,omitempty"`
	ConvertedUserID    string       `json:"converted_user_id,omitempty"`
	ConfirmedSignupURL string       `json:"confirmed_signup_url,omitempty"`
	FormEvents         []*FormEvent `json:"form_events,omitempty"`
}

// FormEvent is one signup-form interaction attached to a click.
type FormEvent struct {
	ID         uuid.UUID `json:"-"`
	EventType  string    `json:"event_type"`
	FormStep   string    `json:"form_step"`
	Success    bool      `json:"success"`
	OccurredAt time.Time `json:"timestamp"`
}

// StatusStats is the aggregate bucket for one message status.
type StatusStats struct {
	Sent        int `json:"sent"`
	Opens       int `json:"opens"`
	TotalOpens  int `json:"totalOpens"`
	Clicks      int `json:"clicks"`
	Conversions int `json:"conversions"`
}

// TodayStats is the aggregate over messages sent in the current calendar day.
type TodayStats struct {
	Sent        int `json:"sent"`
	Opens       int `json:"opens"`
	Clicks      int `json:"clicks"`
	Conversions int `json:"conversions"`
}

// Stats is the full per-user rollup. Overall always carries the sent,
// delivered and failed buckets, zero-filled when empty.
type Stats struct {
	Overall map[string]StatusStats `json:"overall"`
	Today   TodayStats             `json:"today"`
}
