package services

import (
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dormwatch/dorm-power/backend/models"
)

const (
	sessionCookieName = "JSESSIONID"
	defaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// BrowserDriver abstracts the headless browser used for the QR login flow.
type BrowserDriver interface {
	OpenLogin(loginURL string) error
	QRImage() ([]byte, error)
	CurrentURL() (string, error)
	PageSource() (string, error)
	Cookie(name string) (value string, ok bool, err error)
	UserAgent() (string, error)
	Close()
}

// DriverFactory builds a fresh browser driver per login attempt.
type DriverFactory func() (BrowserDriver, error)

// LoginManager runs the interactive QR credential renewal flow. Each Start
// bumps a generation counter; goroutines from earlier generations observe
// the bump and abandon their work, so a restarted flow can never clobber a
// newer one.
type LoginManager struct {
	store    ConfigStore
	notifier Notifier
	waker    Waker

	newDriver DriverFactory
	loginURL  string
	targetURL string

	// Overridable for tests.
	window       time.Duration
	pollInterval time.Duration

	mu         sync.Mutex
	generation uint64
	state      models.LoginState
	source     string
	qrImage    []byte
	qrTime     time.Time
	driver     BrowserDriver
}

func NewLoginManager(store ConfigStore, notifier Notifier, waker Waker, newDriver DriverFactory, loginURL, targetURL string) *LoginManager {
	return &LoginManager{
		store:        store,
		notifier:     notifier,
		waker:        waker,
		newDriver:    newDriver,
		loginURL:     loginURL,
		targetURL:    targetURL,
		window:       180 * time.Second,
		pollInterval: 500 * time.Millisecond,
		state:        models.LoginWaiting,
	}
}

// Start launches a login flow for the given source, cancelling any flow in
// progress. Returns immediately; progress is observed via Snapshot.
func (lm *LoginManager) Start(source string) {
	if source == "" {
		source = models.LegacySource
	}

	lm.mu.Lock()
	lm.generation++
	gen := lm.generation
	lm.state = models.LoginProcessing
	lm.source = source
	lm.qrImage = nil
	lm.qrTime = time.Time{}
	if lm.driver != nil {
		lm.driver.Close()
		lm.driver = nil
	}
	lm.mu.Unlock()

	log.Printf("[LOGIN] Starting login flow for source %s (gen %d)", source, gen)
	go lm.run(gen, source)
}

// Snapshot returns the current flow state and cached QR image. Never touches
// the browser driver, so status polling stays cheap and safe.
func (lm *LoginManager) Snapshot() models.LoginSnapshot {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return models.LoginSnapshot{
		State:   lm.state,
		Source:  lm.source,
		QRImage: append([]byte(nil), lm.qrImage...),
		QRTime:  lm.qrTime,
	}
}

// SetManualCredential stores a hand-pasted session token, bypassing the
// browser flow entirely.
func (lm *LoginManager) SetManualCredential(source, token, userAgent string) error {
	if source == "" {
		source = models.LegacySource
	}
	token = strings.TrimSpace(token)
	if token != "" && !strings.Contains(token, "=") {
		token = sessionCookieName + "=" + token
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	if err := lm.store.SetCredential(source, models.Credential{Token: token, UserAgent: userAgent}); err != nil {
		return err
	}
	log.Printf("[LOGIN] Manual credential saved for source %s", source)
	if lm.waker != nil {
		lm.waker.RequestImmediateCheck("manual credential for " + source)
	}
	return nil
}

func (lm *LoginManager) stale(gen uint64) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.generation != gen
}

// setState transitions the flow state unless this generation has been
// superseded or already reached success.
func (lm *LoginManager) setState(gen uint64, state models.LoginState) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.generation != gen || lm.state == models.LoginSuccess {
		return
	}
	lm.state = state
}

func (lm *LoginManager) run(gen uint64, source string) {
	driver, err := lm.newDriver()
	if err != nil {
		log.Printf("[LOGIN] Browser start failed: %v", err)
		lm.setState(gen, models.LoginFailed)
		return
	}

	lm.mu.Lock()
	if lm.generation != gen {
		lm.mu.Unlock()
		driver.Close()
		return
	}
	lm.driver = driver
	lm.mu.Unlock()

	defer lm.cleanup(gen, driver)

	if err := driver.OpenLogin(lm.loginURL); err != nil {
		log.Printf("[LOGIN] Open login page failed: %v", err)
		lm.setState(gen, models.LoginFailed)
		return
	}
	if lm.stale(gen) {
		return
	}

	if img, err := driver.QRImage(); err == nil {
		lm.storeQR(gen, img)
		lm.setState(gen, models.LoginQRReady)
	} else {
		log.Printf("[LOGIN] QR capture failed: %v", err)
	}

	deadline := time.Now().Add(lm.window)
	for time.Now().Before(deadline) {
		if lm.stale(gen) {
			return
		}

		lm.maybeRefreshExpiredQR(gen, driver)

		current, err := driver.CurrentURL()
		if err != nil {
			if lm.stale(gen) || lm.isSuccess() {
				return
			}
			log.Printf("[LOGIN] Browser lost: %v", err)
			lm.setState(gen, models.LoginFailed)
			return
		}

		if strings.Contains(current, "ticket=") {
			if lm.replayTicket(gen, source, driver, current) {
				return
			}
			time.Sleep(2 * time.Second)
			continue
		}

		if lm.onPortal(current) {
			if token, ok, err := driver.Cookie(sessionCookieName); err == nil && ok {
				ua, _ := driver.UserAgent()
				page, _ := driver.PageSource()
				lm.commitToken(gen, source, token, ua, page)
				return
			}
		}

		time.Sleep(lm.pollInterval)
	}

	log.Printf("[LOGIN] Flow for %s timed out after %s", source, lm.window)
	lm.setState(gen, models.LoginTimeout)
}

// onPortal reports whether the browser has left the SSO server and landed on
// the electricity portal.
func (lm *LoginManager) onPortal(current string) bool {
	if strings.Contains(current, "authserver") {
		return false
	}
	target, err := url.Parse(lm.targetURL)
	if err != nil {
		return false
	}
	cur, err := url.Parse(current)
	if err != nil {
		return false
	}
	return cur.Host == target.Host
}

// maybeRefreshExpiredQR re-arms the login page when it reports the QR code
// expired. A screenshot alone would still show the dead code, so the page is
// reloaded (fresh cookies, WeChat tab, new QR) before recapturing.
func (lm *LoginManager) maybeRefreshExpiredQR(gen uint64, driver BrowserDriver) {
	page, err := driver.PageSource()
	if err != nil {
		return
	}
	if !strings.Contains(page, "二维码") {
		return
	}
	if !strings.Contains(page, "失效") && !strings.Contains(page, "已过期") {
		return
	}

	log.Println("[LOGIN] QR code expired, re-arming the login page")
	if lm.stale(gen) {
		return
	}
	if err := driver.OpenLogin(lm.loginURL); err != nil {
		log.Printf("[LOGIN] Re-arming login page failed: %v", err)
		return
	}
	if lm.stale(gen) {
		return
	}
	if img, err := driver.QRImage(); err == nil {
		lm.storeQR(gen, img)
		lm.setState(gen, models.LoginQRReady)
		log.Println("[LOGIN] Fresh QR code captured after expiry")
	}
}

func (lm *LoginManager) storeQR(gen uint64, img []byte) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.generation != gen {
		return
	}
	lm.qrImage = img
	lm.qrTime = time.Now()
}

// replayTicket exchanges a CAS ticket URL for a portal session using a plain
// HTTP client with the browser's user agent. Returns true when the flow is
// finished (successfully or because this generation went stale).
func (lm *LoginManager) replayTicket(gen uint64, source string, driver BrowserDriver, ticketURL string) bool {
	ua, err := driver.UserAgent()
	if err != nil || ua == "" {
		ua = defaultUserAgent
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return false
	}
	client := &http.Client{Jar: jar, Timeout: requestTimeout}

	for _, u := range []string{ticketURL, lm.targetURL} {
		req, err := http.NewRequest("GET", u, nil)
		if err != nil {
			return false
		}
		req.Header.Set("User-Agent", ua)
		resp, err := client.Do(req)
		if err != nil {
			log.Printf("[LOGIN] Ticket replay request failed: %v", err)
			return false
		}
		resp.Body.Close()
	}

	target, err := url.Parse(lm.targetURL)
	if err != nil {
		return false
	}
	for _, c := range jar.Cookies(target) {
		if c.Name == sessionCookieName {
			page, _ := driver.PageSource()
			lm.commitToken(gen, source, c.Value, ua, page)
			return true
		}
	}

	log.Println("[LOGIN] Ticket replay yielded no session cookie, retrying")
	return false
}

// commitToken persists the captured session, marks the flow successful, wakes
// the scheduler, and sends the recovery mail. A stale generation writes
// nothing.
func (lm *LoginManager) commitToken(gen uint64, source, token, userAgent, page string) {
	lm.mu.Lock()
	if lm.generation != gen || lm.state == models.LoginSuccess {
		lm.mu.Unlock()
		return
	}
	lm.state = models.LoginSuccess
	lm.mu.Unlock()

	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	cred := models.Credential{Token: sessionCookieName + "=" + token, UserAgent: userAgent}
	if err := lm.store.SetCredential(source, cred); err != nil {
		log.Printf("[LOGIN] Saving credential for %s failed: %v", source, err)
	} else {
		log.Printf("[LOGIN] Credential renewed for source %s", source)
	}

	if lm.waker != nil {
		lm.waker.RequestImmediateCheck("credential renewed for " + source)
	}

	lm.sendRecoveryMail(source, page)
}

// sendRecoveryMail confirms the renewal by mail, including current readings
// when the landing page already contains them.
func (lm *LoginManager) sendRecoveryMail(source, page string) {
	if lm.notifier == nil {
		return
	}

	var lines []string
	if page != "" {
		if rooms, err := ParseRoomCards(page); err == nil {
			for _, r := range rooms {
				lines = append(lines, fmt.Sprintf("🏠 %s | ⚡ %s度 | 💰 %s元", r.Room, r.Energy, r.Balance))
			}
		}
	}

	body := fmt.Sprintf("账号 %s 已重新登录，监控已恢复。", source)
	if len(lines) > 0 {
		body += "\n\n当前读数:\n" + strings.Join(lines, "\n")
	}

	if err := lm.notifier.Send("✅ 监控恢复成功", body, nil); err != nil {
		log.Printf("[LOGIN] Recovery mail failed: %v", err)
	}
}

func (lm *LoginManager) isSuccess() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.state == models.LoginSuccess
}

// cleanup closes the driver and detaches it from the manager if this
// generation still owns it.
func (lm *LoginManager) cleanup(gen uint64, driver BrowserDriver) {
	driver.Close()
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.generation == gen && lm.driver == driver {
		lm.driver = nil
	}
}
