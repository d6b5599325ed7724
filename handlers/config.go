package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/dormwatch/dorm-power/backend/services"
	"github.com/dormwatch/dorm-power/backend/settings"
)

const maskedPassword = "********"

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type ConfigHandler struct {
	db       *sql.DB
	store    *settings.Store
	mailer   *services.Mailer
	reporter *services.Reporter
}

func NewConfigHandler(db *sql.DB, store *settings.Store, mailer *services.Mailer, reporter *services.Reporter) *ConfigHandler {
	return &ConfigHandler{db: db, store: store, mailer: mailer, reporter: reporter}
}

// GetSettings returns every tunable in one payload. The SMTP and MQTT
// passwords are masked; the mask round-trips through UpdateSettings
// unchanged.
func (h *ConfigHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	smtp, err := h.store.SMTPConfig()
	if err != nil {
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	mqtt := h.store.MQTTSettings()
	kw := h.store.MeterKeywords()
	enabled, weekday, hour := h.store.ReportSchedule()
	ip, port := h.store.ServerAddr()

	smtpPassword := ""
	if smtp.Password != "" {
		smtpPassword = maskedPassword
	}
	mqttPassword := ""
	if mqtt.Password != "" {
		mqttPassword = maskedPassword
	}

	resp := map[string]interface{}{
		"interval":                         h.store.Interval(),
		"low_power_threshold":              h.store.LowPowerThreshold(),
		"low_power_alert_cooldown_seconds": h.store.LowPowerCooldownSeconds(),
		"repair_cooldown_seconds":          h.store.RepairCooldownSeconds(),
		"auth_sources":                     h.store.Get("system", "auth_sources", ""),
		"server_ip":                        ip,
		"web_port":                         port,
		"lighting_keywords":                kw.Lighting,
		"ac_a_keywords":                    kw.ACGroupA,
		"ac_b_keywords":                    kw.ACGroupB,
		"notify_to":                        h.store.Get("notify", "to", ""),
		"notify_from":                      smtp.From,
		"smtp_server":                      smtp.Server,
		"smtp_port":                        smtp.Port,
		"smtp_tls":                         smtp.TLSMode,
		"smtp_username":                    smtp.Username,
		"smtp_password":                    smtpPassword,
		"room_recipients":                  h.store.RoomRecipientMap(),
		"source_recipients":                h.store.SourceRecipientMap(),
		"group_recipients":                 h.groupRecipientMap(),
		"source_labels":                    h.store.SourceLabels(),
		"report_enabled":                   enabled,
		"report_weekday":                   weekday,
		"report_hour":                      hour,
		"mqtt_broker":                      mqtt.Broker,
		"mqtt_topic_prefix":                mqtt.TopicPrefix,
		"mqtt_username":                    mqtt.Username,
		"mqtt_password":                    mqttPassword,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *ConfigHandler) groupRecipientMap() map[string][]string {
	out := make(map[string][]string)
	for _, g := range h.store.GroupNames() {
		out[g] = h.store.GroupRecipients(g)
	}
	return out
}

// updateSettingsRequest uses pointers so only the fields present in the
// request body are applied.
type updateSettingsRequest struct {
	Interval          *int     `json:"interval"`
	LowPowerThreshold *float64 `json:"low_power_threshold"`
	LowPowerCooldown  *int     `json:"low_power_alert_cooldown_seconds"`
	RepairCooldown    *int     `json:"repair_cooldown_seconds"`
	AuthSources       *string  `json:"auth_sources"`
	ServerIP          *string  `json:"server_ip"`
	WebPort           *string  `json:"web_port"`

	LightingKeywords *string `json:"lighting_keywords"`
	ACAKeywords      *string `json:"ac_a_keywords"`
	ACBKeywords      *string `json:"ac_b_keywords"`

	NotifyTo     *string `json:"notify_to"`
	NotifyFrom   *string `json:"notify_from"`
	SMTPServer   *string `json:"smtp_server"`
	SMTPPort     *string `json:"smtp_port"`
	SMTPTLS      *string `json:"smtp_tls"`
	SMTPUsername *string `json:"smtp_username"`
	SMTPPassword *string `json:"smtp_password"`

	RoomRecipients   map[string][]string `json:"room_recipients"`
	SourceRecipients map[string][]string `json:"source_recipients"`
	GroupRecipients  map[string][]string `json:"group_recipients"`
	SourceLabels     map[string]string   `json:"source_labels"`

	ReportEnabled *bool `json:"report_enabled"`
	ReportWeekday *int  `json:"report_weekday"`
	ReportHour    *int  `json:"report_hour"`

	MQTTBroker      *string `json:"mqtt_broker"`
	MQTTTopicPrefix *string `json:"mqtt_topic_prefix"`
	MQTTUsername    *string `json:"mqtt_username"`
	MQTTPassword    *string `json:"mqtt_password"`
}

// UpdateSettings applies a partial settings update. Recipient maps replace
// the stored map wholesale: keys absent from the payload are removed.
func (h *ConfigHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	for _, m := range []map[string][]string{req.RoomRecipients, req.SourceRecipients, req.GroupRecipients} {
		if err := validateRecipientMap(m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	type setting struct {
		section, key, value string
		present             bool
	}
	sets := []setting{
		{"system", "interval", intStr(req.Interval), req.Interval != nil},
		{"system", "low_power_threshold", floatStr(req.LowPowerThreshold), req.LowPowerThreshold != nil},
		{"system", "low_power_alert_cooldown_seconds", intStr(req.LowPowerCooldown), req.LowPowerCooldown != nil},
		{"system", "repair_cooldown_seconds", intStr(req.RepairCooldown), req.RepairCooldown != nil},
		{"system", "auth_sources", strVal(req.AuthSources), req.AuthSources != nil},
		{"system", "server_ip", strVal(req.ServerIP), req.ServerIP != nil},
		{"system", "web_port", strVal(req.WebPort), req.WebPort != nil},
		{"meters", "lighting_keywords", strVal(req.LightingKeywords), req.LightingKeywords != nil},
		{"meters", "ac_a_keywords", strVal(req.ACAKeywords), req.ACAKeywords != nil},
		{"meters", "ac_b_keywords", strVal(req.ACBKeywords), req.ACBKeywords != nil},
		{"notify", "to", strVal(req.NotifyTo), req.NotifyTo != nil},
		{"notify", "from", strVal(req.NotifyFrom), req.NotifyFrom != nil},
		{"notify", "smtp_server", strVal(req.SMTPServer), req.SMTPServer != nil},
		{"notify", "smtp_port", strVal(req.SMTPPort), req.SMTPPort != nil},
		{"notify", "smtp_tls", strVal(req.SMTPTLS), req.SMTPTLS != nil},
		{"notify", "smtp_username", strVal(req.SMTPUsername), req.SMTPUsername != nil},
		{"report", "enabled", boolStr(req.ReportEnabled), req.ReportEnabled != nil},
		{"report", "weekday", intStr(req.ReportWeekday), req.ReportWeekday != nil},
		{"report", "hour", intStr(req.ReportHour), req.ReportHour != nil},
		{"mqtt", "broker", strVal(req.MQTTBroker), req.MQTTBroker != nil},
		{"mqtt", "topic_prefix", strVal(req.MQTTTopicPrefix), req.MQTTTopicPrefix != nil},
		{"mqtt", "username", strVal(req.MQTTUsername), req.MQTTUsername != nil},
	}
	for _, st := range sets {
		if !st.present {
			continue
		}
		if err := h.store.Set(st.section, st.key, st.value); err != nil {
			http.Error(w, "Failed to save settings", http.StatusInternalServerError)
			return
		}
	}

	// The mask means "keep the stored password".
	if req.SMTPPassword != nil && *req.SMTPPassword != maskedPassword {
		if err := h.store.SetSMTPPassword(*req.SMTPPassword); err != nil {
			http.Error(w, "Failed to save settings", http.StatusInternalServerError)
			return
		}
	}
	if req.MQTTPassword != nil && *req.MQTTPassword != maskedPassword {
		if err := h.store.SetMQTTPassword(*req.MQTTPassword); err != nil {
			http.Error(w, "Failed to save settings", http.StatusInternalServerError)
			return
		}
	}

	if req.RoomRecipients != nil {
		if err := h.store.ReplaceRoomRecipientMap(req.RoomRecipients); err != nil {
			http.Error(w, "Failed to save recipients", http.StatusInternalServerError)
			return
		}
	}
	if req.SourceRecipients != nil {
		if err := h.store.ReplaceSourceRecipientMap(req.SourceRecipients); err != nil {
			http.Error(w, "Failed to save recipients", http.StatusInternalServerError)
			return
		}
	}
	for g, recipients := range req.GroupRecipients {
		if err := h.store.SetGroupRecipients(g, recipients); err != nil {
			http.Error(w, "Failed to save recipients", http.StatusInternalServerError)
			return
		}
	}
	for src, label := range req.SourceLabels {
		if err := h.store.SetSourceLabel(src, label); err != nil {
			http.Error(w, "Failed to save labels", http.StatusInternalServerError)
			return
		}
	}

	h.logAction(r, "update_settings")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Settings saved"})
}

// TestEmail sends a probe mail to verify the SMTP configuration. An explicit
// "to" overrides the default recipients.
func (h *ConfigHandler) TestEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	var recipients []string
	if req.To != "" {
		if !emailRe.MatchString(req.To) {
			http.Error(w, "Invalid email address", http.StatusBadRequest)
			return
		}
		recipients = []string{req.To}
	}

	if err := h.mailer.Send("测试邮件", "宿舍电量监控的邮件配置工作正常。", recipients); err != nil {
		http.Error(w, fmt.Sprintf("Send failed: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Test email sent"})
}

// SendReportNow generates and mails the usage report immediately.
func (h *ConfigHandler) SendReportNow(w http.ResponseWriter, r *http.Request) {
	if err := h.reporter.SendUsageReport(); err != nil {
		http.Error(w, fmt.Sprintf("Report failed: %v", err), http.StatusInternalServerError)
		return
	}
	h.logAction(r, "send_report")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Report sent"})
}

// DownloadReport serves the newest generated PDF.
func (h *ConfigHandler) DownloadReport(w http.ResponseWriter, r *http.Request) {
	path := h.reporter.LatestReportPath()
	if path == "" {
		http.Error(w, "No report generated yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	w.Header().Set("Content-Type", "application/pdf")
	http.ServeFile(w, r, path)
}

func (h *ConfigHandler) logAction(r *http.Request, action string) {
	_, err := h.db.Exec(
		"INSERT INTO admin_logs (action, details, ip_address) VALUES (?, ?, ?)",
		action, r.URL.Path, r.RemoteAddr,
	)
	if err != nil {
		log.Printf("[API] Admin log write failed: %v", err)
	}
}

func validateRecipientMap(m map[string][]string) error {
	for key, recipients := range m {
		for _, addr := range recipients {
			if !emailRe.MatchString(addr) {
				return fmt.Errorf("invalid email %q for %q", addr, key)
			}
		}
	}
	return nil
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func intStr(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func floatStr(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func boolStr(p *bool) string {
	if p == nil {
		return ""
	}
	return strconv.FormatBool(*p)
}
