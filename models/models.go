package models

import "time"

// LegacySource is the single-source compatibility identifier used when only
// one unlabeled credential exists.
const LegacySource = "legacy"

// MeterCategory classifies a room identifier by keyword containment.
type MeterCategory string

const (
	CategoryLighting  MeterCategory = "lighting"
	CategoryACGroupA  MeterCategory = "ac_a"
	CategoryACGroupB  MeterCategory = "ac_b"
	CategoryACGeneric MeterCategory = "ac"
	CategoryUnknown   MeterCategory = "unknown"
)

// Credential is one stored portal session: the session cookie string
// (e.g. "JSESSIONID=...") and the user agent it was issued under.
type Credential struct {
	Token     string `json:"token"`
	UserAgent string `json:"user_agent"`
}

// RawRoom is one parsed card from the portal page, before classification
// and source tagging.
type RawRoom struct {
	Room    string `json:"room"`
	Energy  string `json:"kwh"`
	Balance string `json:"money"`
}

// RoomRecord is one merged room entry. Produced fresh each cycle and never
// mutated afterwards; the next cycle's set supersedes it wholly.
type RoomRecord struct {
	Room     string        `json:"room"`
	Energy   string        `json:"kwh"`
	Balance  string        `json:"money"`
	Category MeterCategory `json:"meter_type"`
	Sources  []string      `json:"sources"`
}

// SourceStatus is the per-source runtime state owned by the scheduler loop.
type SourceStatus struct {
	LastError           string   `json:"last_error"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	HasCredential       bool     `json:"has_cookie"`
	LastOKTime          string   `json:"last_ok_time"`
	LastRooms           []string `json:"last_rooms"`
}

// StatusSnapshot is a read-only copy of the monitor state handed to the
// HTTP boundary.
type StatusSnapshot struct {
	LastCheckTime       string                  `json:"last_check_time"`
	Rooms               []RoomRecord            `json:"rooms"`
	LastError           string                  `json:"last_error"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	IsMonitoring        bool                    `json:"is_monitoring"`
	NextCheckIn         int                     `json:"next_check_in"`
	SourceStatus        map[string]SourceStatus `json:"source_status"`
}

// LoginState is the renewal flow's public state.
type LoginState string

const (
	LoginWaiting    LoginState = "waiting"
	LoginProcessing LoginState = "processing"
	LoginQRReady    LoginState = "qr_ready"
	LoginSuccess    LoginState = "success"
	LoginFailed     LoginState = "failed"
	LoginTimeout    LoginState = "timeout"
)

// LoginSnapshot is what status polling sees: state plus the cached QR image.
// Serving it never touches the browser driver.
type LoginSnapshot struct {
	State   LoginState
	Source  string
	QRImage []byte
	QRTime  time.Time
}

type AdminUser struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
