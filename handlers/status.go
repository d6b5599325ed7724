package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/dormwatch/dorm-power/backend/models"
	"github.com/dormwatch/dorm-power/backend/services"
	"github.com/dormwatch/dorm-power/backend/settings"
)

type StatusHandler struct {
	store   *settings.Store
	monitor *services.Monitor
	login   *services.LoginManager
}

func NewStatusHandler(store *settings.Store, monitor *services.Monitor, login *services.LoginManager) *StatusHandler {
	return &StatusHandler{store: store, monitor: monitor, login: login}
}

type statusResponse struct {
	models.StatusSnapshot
	AuthSources    []string          `json:"auth_sources"`
	AuthConfigured map[string]bool   `json:"auth_configured"`
	SourceLabels   map[string]string `json:"source_labels"`
	Interval       int               `json:"interval"`
}

func (h *StatusHandler) buildStatus() statusResponse {
	sources := h.store.AuthSources()
	configured := make(map[string]bool, len(sources))
	for _, src := range sources {
		cred, err := h.store.Credential(src)
		configured[src] = err == nil && cred.Token != ""
	}
	return statusResponse{
		StatusSnapshot: h.monitor.Snapshot(),
		AuthSources:    sources,
		AuthConfigured: configured,
		SourceLabels:   h.store.SourceLabels(),
		Interval:       h.store.Interval(),
	}
}

// GetStatus returns the monitor snapshot plus the source roster. Public, so
// the dashboard works without logging in.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.buildStatus())
}

// ToggleMonitoring pauses or resumes the polling loop.
func (h *StatusHandler) ToggleMonitoring(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	h.monitor.SetMonitoring(req.Enabled)
	log.Printf("[API] Monitoring set to %v", req.Enabled)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"is_monitoring": req.Enabled})
}

// SetManualCredential stores a hand-pasted session cookie for a source and
// wakes the scheduler.
func (h *StatusHandler) SetManualCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source    string `json:"source"`
		Cookie    string `json:"cookie"`
		UserAgent string `json:"user_agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Cookie == "" {
		http.Error(w, "Cookie is required", http.StatusBadRequest)
		return
	}

	if err := h.login.SetManualCredential(req.Source, req.Cookie, req.UserAgent); err != nil {
		http.Error(w, "Failed to save credential", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Credential saved"})
}

// StartLogin kicks off the QR renewal flow for a source, cancelling any flow
// already running.
func (h *StatusHandler) StartLogin(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		source = models.LegacySource
	}

	h.login.Start(source)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": string(models.LoginProcessing), "source": source})
}

// LoginStatus serves the flow state and the cached QR image. It reads only
// the manager's snapshot, never the browser, so polling stays cheap.
func (h *StatusHandler) LoginStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.login.Snapshot()

	resp := map[string]interface{}{
		"state":  string(snap.State),
		"source": snap.Source,
	}
	if len(snap.QRImage) > 0 {
		resp["qr_image"] = base64.StdEncoding.EncodeToString(snap.QRImage)
		resp["qr_time"] = snap.QRTime.Format("2006-01-02 15:04:05")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RenewalLinkQR renders the renewal page link as a QR PNG, for sticking on
// the dorm wall.
func (h *StatusHandler) RenewalLinkQR(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	ip, port := h.store.ServerAddr()

	link := fmt.Sprintf("http://%s:%s/login", ip, port)
	if source != "" && source != models.LegacySource {
		link = fmt.Sprintf("http://%s:%s/login?source=%s", ip, port, source)
	}

	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "Failed to generate QR code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamStatus pushes the status snapshot over a websocket every few seconds
// until the client goes away.
func (h *StatusHandler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Drain reads so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	if err := conn.WriteJSON(h.buildStatus()); err != nil {
		return
	}
	for range ticker.C {
		if err := conn.WriteJSON(h.buildStatus()); err != nil {
			return
		}
	}
}
