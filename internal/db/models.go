package db

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Settings maps a notification category to a per-device opt-in flag.
// Keys absent from the map fall back to the category default policy.
type Settings map[string]bool

// Subscription is one registered push-capable device and its preferences.
type Subscription struct {
	ClientID    string    `json:"clientId"`
	Endpoint    string    `json:"endpoint"`
	P256dh      string    `json:"p256dh"`
	Auth        string    `json:"auth"`
	Settings    Settings  `json:"settings"`
	DisplayName *string   `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ErrInvalidPushKeys is returned when subscription key material does not
// have the shape the push transport requires.
var ErrInvalidPushKeys = errors.New("invalid push subscription keys")

// ValidatePushKeys checks the encryption material a browser handed us:
// p256dh must decode to an uncompressed P-256 point (65 bytes, 0x04
// prefix) and auth to the 16-byte secret. Malformed keys are never stored.
func (s *Subscription) ValidatePushKeys() error {
	p256dh, err := decodeWebPushKey(s.P256dh)
	if err != nil {
		return fmt.Errorf("%w: p256dh: %v", ErrInvalidPushKeys, err)
	}
	if len(p256dh) != 65 || p256dh[0] != 0x04 {
		return fmt.Errorf("%w: p256dh must be a 65-byte uncompressed point", ErrInvalidPushKeys)
	}

	auth, err := decodeWebPushKey(s.Auth)
	if err != nil {
		return fmt.Errorf("%w: auth: %v", ErrInvalidPushKeys, err)
	}
	if len(auth) != 16 {
		return fmt.Errorf("%w: auth must be 16 bytes", ErrInvalidPushKeys)
	}

	return nil
}

// Browsers emit URL-safe base64 without padding, but some clients pad
// or use the standard alphabet.
func decodeWebPushKey(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty key")
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(value); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not valid base64")
}

// Attempt-level status constants for NotificationRecord.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// NotificationRecord is one append-only history entry per dispatch
// attempt at the source-event level, not per-subscriber send.
type NotificationRecord struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	URL       string    `json:"url"`
	Icon      string    `json:"icon"`
	Platform  string    `json:"platform"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryPage is one reverse-chronological page of notification history.
type HistoryPage struct {
	Logs    []*NotificationRecord `json:"logs"`
	HasMore bool                  `json:"hasMore"`
	Total   int                   `json:"total"`
}

// DedupWatermark is the most recent external identifier observed for a
// source, persisted so restarts do not replay old events as new.
type DedupWatermark struct {
	SourceKey  string    `json:"source_key"`
	LastSeenID string    `json:"last_seen_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScheduledNotification is a deferred one-shot reminder. Sent flips
// exactly once when the scheduler claims it.
type ScheduledNotification struct {
	ID        uuid.UUID       `json:"id"`
	RunAt     time.Time       `json:"run_at"`
	Payload   json.RawMessage `json:"payload"`
	Sent      bool            `json:"sent"`
	CreatedAt time.Time       `json:"created_at"`
}
