package services

import "github.com/dormwatch/dorm-power/backend/models"

// ConfigStore is the settings surface the monitoring services read from.
// Implemented by the sqlite-backed settings store.
type ConfigStore interface {
	// Scheduling and thresholds
	Interval() int
	LowPowerThreshold() float64
	LowPowerCooldownSeconds() int
	RepairCooldownSeconds() int

	// Server address pieces, used to build the renewal link in repair mail.
	ServerAddr() (ip string, port string)

	// Meter classification keywords
	MeterKeywords() MeterKeywords

	// Source roster and credentials
	AuthSources() []string
	Credential(source string) (models.Credential, error)
	SetCredential(source string, cred models.Credential) error

	// Recipient routing
	RoomRecipients(room string) []string
	SourceRecipients(source string) []string
	GroupRecipients(group string) []string
	GroupNames() []string
	DefaultRecipients() []string
}

// Notifier delivers an alert or report mail. A nil recipients slice means
// the configured default recipients.
type Notifier interface {
	Send(subject, body string, recipients []string) error
}
