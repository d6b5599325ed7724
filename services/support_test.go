package services

import (
	"strings"
	"sync"

	"github.com/dormwatch/dorm-power/backend/models"
)

// fakeStore is an in-memory ConfigStore for tests. Lookups are
// case-insensitive like the sqlite store's NOCASE fallback.
type fakeStore struct {
	mu sync.Mutex

	interval       int
	threshold      float64
	lowCooldown    int
	repairCooldown int
	ip, port       string
	keywords       MeterKeywords
	sources        []string
	creds          map[string]models.Credential
	roomRecips     map[string][]string
	sourceRecips   map[string][]string
	groupRecips    map[string][]string
	groupOrder     []string
	defaults       []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		interval:       900,
		threshold:      15.0,
		lowCooldown:    21600,
		repairCooldown: 43200,
		ip:             "192.168.1.10",
		port:           "8090",
		keywords:       MeterKeywords{Lighting: "照明", ACGroupA: "3-721A空调", ACGroupB: "3-721B空调"},
		sources:        []string{"ac_a", "ac_b", "k"},
		creds:          make(map[string]models.Credential),
		roomRecips:     make(map[string][]string),
		sourceRecips:   make(map[string][]string),
		groupRecips:    make(map[string][]string),
	}
}

func (f *fakeStore) Interval() int { return f.interval }
func (f *fakeStore) LowPowerThreshold() float64 { return f.threshold }
func (f *fakeStore) LowPowerCooldownSeconds() int { return f.lowCooldown }
func (f *fakeStore) RepairCooldownSeconds() int { return f.repairCooldown }
func (f *fakeStore) ServerAddr() (string, string) { return f.ip, f.port }
func (f *fakeStore) MeterKeywords() MeterKeywords { return f.keywords }
func (f *fakeStore) AuthSources() []string { return f.sources }
func (f *fakeStore) DefaultRecipients() []string { return f.defaults }

func (f *fakeStore) Credential(source string) (models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds[source], nil
}

func (f *fakeStore) SetCredential(source string, cred models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[source] = cred
	return nil
}

func lookupFold(m map[string][]string, key string) []string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func (f *fakeStore) RoomRecipients(room string) []string {
	return lookupFold(f.roomRecips, room)
}

func (f *fakeStore) SourceRecipients(source string) []string {
	return lookupFold(f.sourceRecips, source)
}

func (f *fakeStore) GroupRecipients(group string) []string {
	return lookupFold(f.groupRecips, group)
}

func (f *fakeStore) GroupNames() []string {
	return f.groupOrder
}

func (f *fakeStore) setGroup(name string, recipients ...string) {
	f.groupRecips[name] = recipients
	f.groupOrder = append(f.groupOrder, name)
}

type sentMail struct {
	Subject    string
	Body       string
	Recipients []string
}

// fakeNotifier records every send.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeNotifier) Send(subject, body string, recipients []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{Subject: subject, Body: body, Recipients: recipients})
	return f.err
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNotifier) lastSent() (sentMail, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMail{}, false
	}
	return f.sent[len(f.sent)-1], true
}

// fakeFetcher returns a scripted result per credential token.
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]fetchResult
}

type fetchResult struct {
	rooms  []models.RawRoom
	reason FailReason
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{results: make(map[string]fetchResult)}
}

func (f *fakeFetcher) set(token string, rooms []models.RawRoom, reason FailReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[token] = fetchResult{rooms: rooms, reason: reason}
}

func (f *fakeFetcher) Fetch(cred models.Credential) ([]models.RawRoom, FailReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.results[cred.Token]; ok {
		return res.rooms, res.reason
	}
	return nil, ReasonNoData
}

// fakeWaker counts wake requests.
type fakeWaker struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeWaker) RequestImmediateCheck(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reason)
}

func (f *fakeWaker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeDriver is a scriptable BrowserDriver.
type fakeDriver struct {
	mu sync.Mutex

	url       string
	page      string
	qr        []byte
	cookieVal string
	cookieOK  bool
	ua        string

	urlErr    error
	openCalls int
	qrCalls   int
	urlCalls  int
	pageCalls int
	closed    bool
}

func (f *fakeDriver) OpenLogin(loginURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	return nil
}

func (f *fakeDriver) QRImage() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrCalls++
	return f.qr, nil
}

func (f *fakeDriver) CurrentURL() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urlCalls++
	return f.url, f.urlErr
}

func (f *fakeDriver) PageSource() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	return f.page, nil
}

func (f *fakeDriver) Cookie(name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookieVal, f.cookieOK, nil
}

func (f *fakeDriver) UserAgent() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ua, nil
}

func (f *fakeDriver) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeDriver) setURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

func (f *fakeDriver) setPage(page string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.page = page
}

func (f *fakeDriver) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls
}

func (f *fakeDriver) qrCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qrCalls
}
