package settings

import (
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/dormwatch/dorm-power/backend/crypto"
	"github.com/dormwatch/dorm-power/backend/models"
	"github.com/dormwatch/dorm-power/backend/services"
)

// defaultAuthSources is the roster used when neither the settings table nor
// the credentials table names any source.
var defaultAuthSources = []string{"ac_a", "ac_b", "k"}

// Store is the sqlite-backed settings and history store. It implements the
// config, SMTP, sample and MQTT interfaces the services consume.
type Store struct {
	db     *sql.DB
	encKey []byte
}

func NewStore(db *sql.DB, encKey []byte) *Store {
	return &Store{db: db, encKey: encKey}
}

// DB exposes the underlying handle for handlers that need direct queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) get(section, key string) (string, bool) {
	var value string
	err := s.db.QueryRow(
		"SELECT value FROM settings WHERE section = ? AND key = ?",
		section, key,
	).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// Get returns the setting value or the default when unset.
func (s *Store) Get(section, key, def string) string {
	if v, ok := s.get(section, key); ok {
		return v
	}
	return def
}

// Set upserts one setting value.
func (s *Store) Set(section, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (section, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(section, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, section, key, value)
	return err
}

// GetInt returns the setting as an int, falling back to the default on
// missing or malformed values.
func (s *Store) GetInt(section, key string, def int) int {
	v, ok := s.get(section, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (s *Store) GetFloat(section, key string, def float64) float64 {
	v, ok := s.get(section, key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func (s *Store) GetBool(section, key string, def bool) bool {
	v, ok := s.get(section, key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// Interval is the base polling interval in seconds.
func (s *Store) Interval() int {
	n := s.GetInt("system", "interval", 900)
	if n < 5 {
		n = 5
	}
	return n
}

func (s *Store) LowPowerThreshold() float64 {
	return s.GetFloat("system", "low_power_threshold", 15.0)
}

func (s *Store) LowPowerCooldownSeconds() int {
	return s.GetInt("system", "low_power_alert_cooldown_seconds", 21600)
}

func (s *Store) RepairCooldownSeconds() int {
	return s.GetInt("system", "repair_cooldown_seconds", 43200)
}

// ServerAddr is the externally reachable address used in renewal links.
func (s *Store) ServerAddr() (string, string) {
	ip := s.Get("system", "server_ip", "127.0.0.1")
	port := s.Get("system", "web_port", "8090")
	return ip, port
}

func (s *Store) MeterKeywords() services.MeterKeywords {
	return services.MeterKeywords{
		Lighting: s.Get("meters", "lighting_keywords", "照明"),
		ACGroupA: s.Get("meters", "ac_a_keywords", "3-721A空调"),
		ACGroupB: s.Get("meters", "ac_b_keywords", "3-721B空调"),
	}
}

// AuthSources discovers the source roster: the explicit csv setting wins,
// then the named credentials on record, then a bare legacy credential, then
// the built-in default roster.
func (s *Store) AuthSources() []string {
	if csv, ok := s.get("system", "auth_sources"); ok {
		if list := splitList(csv); len(list) > 0 {
			return list
		}
	}

	rows, err := s.db.Query(
		"SELECT source FROM credentials WHERE source != ? AND token != '' ORDER BY source",
		models.LegacySource,
	)
	if err == nil {
		var sources []string
		for rows.Next() {
			var src string
			if rows.Scan(&src) == nil {
				sources = append(sources, src)
			}
		}
		rows.Close()
		if len(sources) > 0 {
			return sources
		}
	}

	var n int
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM credentials WHERE source = ? AND token != ''",
		models.LegacySource,
	).Scan(&n)
	if err == nil && n > 0 {
		return []string{models.LegacySource}
	}

	return append([]string(nil), defaultAuthSources...)
}

func normalizeSource(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return models.LegacySource
	}
	return source
}

// Credential returns the stored session for a source with the token
// decrypted. A missing row is not an error; it returns an empty credential.
func (s *Store) Credential(source string) (models.Credential, error) {
	source = normalizeSource(source)

	var encToken, ua string
	err := s.db.QueryRow(
		"SELECT token, user_agent FROM credentials WHERE source = ?",
		source,
	).Scan(&encToken, &ua)
	if err == sql.ErrNoRows {
		return models.Credential{}, nil
	}
	if err != nil {
		return models.Credential{}, err
	}

	token, err := crypto.Decrypt(encToken, s.encKey)
	if err != nil {
		return models.Credential{}, fmt.Errorf("decrypt credential for %s: %w", source, err)
	}
	return models.Credential{Token: token, UserAgent: ua}, nil
}

// SetCredential stores a session with the token encrypted at rest.
func (s *Store) SetCredential(source string, cred models.Credential) error {
	source = normalizeSource(source)

	encToken, err := crypto.Encrypt(cred.Token, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt credential for %s: %w", source, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO credentials (source, token, user_agent, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source) DO UPDATE SET token = excluded.token, user_agent = excluded.user_agent, updated_at = CURRENT_TIMESTAMP
	`, source, encToken, cred.UserAgent)
	return err
}

// lookupRecipients finds a recipient list by exact key first, then
// case-insensitively, so "AC_A" and "ac_a" hit the same row.
func (s *Store) lookupRecipients(table, column, key string) []string {
	var recipients string
	err := s.db.QueryRow(
		fmt.Sprintf("SELECT recipients FROM %s WHERE %s = ?", table, column),
		key,
	).Scan(&recipients)
	if err == sql.ErrNoRows {
		err = s.db.QueryRow(
			fmt.Sprintf("SELECT recipients FROM %s WHERE %s = ? COLLATE NOCASE", table, column),
			key,
		).Scan(&recipients)
	}
	if err != nil {
		return nil
	}
	return splitList(recipients)
}

func (s *Store) RoomRecipients(room string) []string {
	return s.lookupRecipients("room_recipients", "room", room)
}

func (s *Store) SourceRecipients(source string) []string {
	return s.lookupRecipients("source_recipients", "source", source)
}

func (s *Store) GroupRecipients(group string) []string {
	return s.lookupRecipients("group_recipients", "grp", group)
}

// GroupNames lists the configured meter groups in stable order.
func (s *Store) GroupNames() []string {
	rows, err := s.db.Query("SELECT grp FROM group_recipients ORDER BY grp")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if rows.Scan(&g) == nil {
			groups = append(groups, g)
		}
	}
	return groups
}

// DefaultRecipients is the global notify list, the final cascade tier.
func (s *Store) DefaultRecipients() []string {
	return splitList(s.Get("notify", "to", ""))
}

// RoomRecipientMap returns the full room override table.
func (s *Store) RoomRecipientMap() map[string][]string {
	return s.recipientMap("room_recipients", "room")
}

// SourceRecipientMap returns the full source override table.
func (s *Store) SourceRecipientMap() map[string][]string {
	return s.recipientMap("source_recipients", "source")
}

func (s *Store) recipientMap(table, column string) map[string][]string {
	out := make(map[string][]string)
	rows, err := s.db.Query(fmt.Sprintf("SELECT %s, recipients FROM %s", column, table))
	if err != nil {
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var key, recipients string
		if rows.Scan(&key, &recipients) == nil {
			out[key] = splitList(recipients)
		}
	}
	return out
}

// SetRoomRecipients sets or clears one room's override. An empty list
// deletes the row.
func (s *Store) SetRoomRecipients(room string, recipients []string) error {
	return s.setRecipients("room_recipients", "room", room, recipients)
}

func (s *Store) SetSourceRecipients(source string, recipients []string) error {
	return s.setRecipients("source_recipients", "source", source, recipients)
}

func (s *Store) SetGroupRecipients(group string, recipients []string) error {
	return s.setRecipients("group_recipients", "grp", group, recipients)
}

func (s *Store) setRecipients(table, column, key string, recipients []string) error {
	if len(recipients) == 0 {
		_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, column), key)
		return err
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (%s, recipients, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(%s) DO UPDATE SET recipients = excluded.recipients, updated_at = CURRENT_TIMESTAMP
	`, table, column, column), key, strings.Join(recipients, ","))
	return err
}

// ReplaceRoomRecipientMap replaces the whole room override table with the
// given map. Rooms absent from the map are removed.
func (s *Store) ReplaceRoomRecipientMap(m map[string][]string) error {
	return s.replaceRecipientMap("room_recipients", "room", m)
}

// ReplaceSourceRecipientMap replaces the whole source override table.
func (s *Store) ReplaceSourceRecipientMap(m map[string][]string) error {
	return s.replaceRecipientMap("source_recipients", "source", m)
}

func (s *Store) replaceRecipientMap(table, column string, m map[string][]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM " + table); err != nil {
		return err
	}
	for key, recipients := range m {
		if len(recipients) == 0 {
			continue
		}
		_, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (%s, recipients) VALUES (?, ?)", table, column),
			key, strings.Join(recipients, ","),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SourceLabels returns the display names for sources.
func (s *Store) SourceLabels() map[string]string {
	out := make(map[string]string)
	rows, err := s.db.Query("SELECT source, label FROM source_labels")
	if err != nil {
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var src, label string
		if rows.Scan(&src, &label) == nil {
			out[src] = label
		}
	}
	return out
}

func (s *Store) SetSourceLabel(source, label string) error {
	if label == "" {
		_, err := s.db.Exec("DELETE FROM source_labels WHERE source = ?", source)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO source_labels (source, label) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET label = excluded.label
	`, source, label)
	return err
}

// SMTPConfig loads the mail transport settings with the password decrypted.
func (s *Store) SMTPConfig() (services.SMTPConfig, error) {
	password, err := crypto.Decrypt(s.Get("notify", "smtp_password", ""), s.encKey)
	if err != nil {
		return services.SMTPConfig{}, fmt.Errorf("decrypt smtp password: %w", err)
	}
	return services.SMTPConfig{
		Server:   s.Get("notify", "smtp_server", ""),
		Port:     s.Get("notify", "smtp_port", "465"),
		TLSMode:  s.Get("notify", "smtp_tls", "ssl"),
		Username: s.Get("notify", "smtp_username", ""),
		Password: password,
		From:     s.Get("notify", "from", ""),
	}, nil
}

// SetSMTPPassword stores the password encrypted at rest.
func (s *Store) SetSMTPPassword(password string) error {
	enc, err := crypto.Encrypt(password, s.encKey)
	if err != nil {
		return err
	}
	return s.Set("notify", "smtp_password", enc)
}

// RecordSamples appends one row per room with a parseable energy reading.
func (s *Store) RecordSamples(rooms []models.RoomRecord, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO balance_samples (room, kwh, balance, meter_type, sample_time)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	stamp := at.UTC().Format("2006-01-02 15:04:05")
	for _, room := range rooms {
		kwh, ok := services.ExtractFirstFloat(room.Energy)
		if !ok {
			log.Printf("[STORE] Skipping sample for %s: unparseable energy %q", room.Room, room.Energy)
			continue
		}
		if _, err := stmt.Exec(room.Room, kwh, room.Balance, string(room.Category), stamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UsageSince aggregates samples newer than the given time into per-room
// usage summaries, in first-seen order.
func (s *Store) UsageSince(since time.Time) ([]services.RoomUsage, error) {
	rows, err := s.db.Query(`
		SELECT room, kwh, balance, meter_type FROM balance_samples
		WHERE sample_time >= ? ORDER BY sample_time ASC, id ASC
	`, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byRoom := make(map[string]*services.RoomUsage)
	var order []string
	for rows.Next() {
		var room, balance, meterType string
		var kwh float64
		if err := rows.Scan(&room, &kwh, &balance, &meterType); err != nil {
			return nil, err
		}

		u, ok := byRoom[room]
		if !ok {
			u = &services.RoomUsage{
				Room:     room,
				Category: models.MeterCategory(meterType),
				FirstKWh: kwh,
				MinKWh:   kwh,
			}
			byRoom[room] = u
			order = append(order, room)
		}
		u.LastKWh = kwh
		u.LastBalance = balance
		u.Samples++
		if kwh < u.MinKWh {
			u.MinKWh = kwh
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]services.RoomUsage, 0, len(order))
	for _, room := range order {
		out = append(out, *byRoom[room])
	}
	return out, nil
}

// ReportSchedule returns the weekly report gate settings.
func (s *Store) ReportSchedule() (bool, int, int) {
	enabled := s.GetBool("report", "enabled", false)
	weekday := s.GetInt("report", "weekday", 1)
	hour := s.GetInt("report", "hour", 8)
	return enabled, weekday, hour
}

func (s *Store) LastReportSent() (time.Time, bool) {
	v, ok := s.get("report", "last_sent")
	if !ok || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02 15:04:05", v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Store) SetLastReportSent(t time.Time) error {
	return s.Set("report", "last_sent", t.UTC().Format("2006-01-02 15:04:05"))
}

// MQTTSettings loads the broker configuration. The password shares the
// settings encryption key.
func (s *Store) MQTTSettings() services.MQTTSettings {
	password, err := crypto.Decrypt(s.Get("mqtt", "password", ""), s.encKey)
	if err != nil {
		log.Printf("[STORE] Decrypting mqtt password failed: %v", err)
		password = ""
	}
	return services.MQTTSettings{
		Broker:      s.Get("mqtt", "broker", ""),
		TopicPrefix: s.Get("mqtt", "topic_prefix", "dorm-power"),
		Username:    s.Get("mqtt", "username", ""),
		Password:    password,
	}
}

// SetMQTTPassword stores the broker password encrypted at rest.
func (s *Store) SetMQTTPassword(password string) error {
	enc, err := crypto.Encrypt(password, s.encKey)
	if err != nil {
		return err
	}
	return s.Set("mqtt", "password", enc)
}

// splitList parses a recipient-style list: commas, semicolons and newlines
// all separate entries, blanks are dropped.
func splitList(raw string) []string {
	raw = strings.NewReplacer(";", ",", "\n", ",").Replace(raw)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
