package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dormwatch/dorm-power/backend/models"
)

const (
	testLoginURL  = "https://ids.example.edu/authserver/login?service=http%3A%2F%2Fportal.example.edu%2Fzhyd%2Fsydl%2Findex"
	testPortalURL = "http://portal.example.edu/zhyd/sydl/index"
)

func newTestLoginManager(store *fakeStore, notifier *fakeNotifier, waker *fakeWaker, driver *fakeDriver) *LoginManager {
	lm := NewLoginManager(store, notifier, waker, func() (BrowserDriver, error) {
		return driver, nil
	}, testLoginURL, testPortalURL)
	lm.window = 2 * time.Second
	lm.pollInterval = 10 * time.Millisecond
	return lm
}

func TestLoginHappyPathViaPortalCookie(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	waker := &fakeWaker{}
	driver := &fakeDriver{
		url:       testLoginURL,
		qr:        []byte("png-bytes"),
		cookieVal: "abc123",
		cookieOK:  true,
		ua:        "TestAgent/1.0",
	}

	lm := newTestLoginManager(store, notifier, waker, driver)
	lm.Start("ac_a")

	require.Eventually(t, func() bool {
		return lm.Snapshot().State == models.LoginQRReady
	}, time.Second, 10*time.Millisecond)

	// user scans the QR, browser lands on the portal
	driver.setURL(testPortalURL)

	require.Eventually(t, func() bool {
		return lm.Snapshot().State == models.LoginSuccess
	}, time.Second, 10*time.Millisecond)

	cred, err := store.Credential("ac_a")
	require.NoError(t, err)
	assert.Equal(t, "JSESSIONID=abc123", cred.Token)
	assert.Equal(t, "TestAgent/1.0", cred.UserAgent)

	assert.Eventually(t, func() bool { return waker.count() == 1 }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return notifier.sentCount() == 1 }, time.Second, 10*time.Millisecond)
	mail, _ := notifier.lastSent()
	assert.Contains(t, mail.Subject, "恢复")
}

func TestLoginSnapshotServesCachedQRWithoutDriverCalls(t *testing.T) {
	store := newFakeStore()
	driver := &fakeDriver{url: testLoginURL, qr: []byte("qr-png")}

	lm := newTestLoginManager(store, &fakeNotifier{}, &fakeWaker{}, driver)
	lm.Start("")

	require.Eventually(t, func() bool {
		return len(lm.Snapshot().QRImage) > 0
	}, time.Second, 10*time.Millisecond)

	driver.mu.Lock()
	qrCallsBefore := driver.qrCalls
	driver.mu.Unlock()

	for i := 0; i < 10; i++ {
		snap := lm.Snapshot()
		assert.Equal(t, []byte("qr-png"), snap.QRImage)
		assert.Equal(t, models.LegacySource, snap.Source)
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	assert.Equal(t, qrCallsBefore, driver.qrCalls, "snapshots must not touch the driver")
}

func TestExpiredQRRearmsLoginPage(t *testing.T) {
	store := newFakeStore()
	driver := &fakeDriver{
		url:  testLoginURL,
		page: "<html>二维码已失效，请刷新</html>",
		qr:   []byte("qr-png"),
	}

	lm := newTestLoginManager(store, &fakeNotifier{}, &fakeWaker{}, driver)
	lm.Start("ac_a")

	// the expired page must trigger a full page reload, not just a
	// re-screenshot of the dead code
	require.Eventually(t, func() bool {
		return driver.openCount() >= 2
	}, time.Second, 10*time.Millisecond)
	driver.setPage("")

	assert.Eventually(t, func() bool {
		return driver.qrCount() >= 2
	}, time.Second, 10*time.Millisecond, "a fresh QR is captured after the reload")
	assert.Equal(t, models.LoginQRReady, lm.Snapshot().State)
}

func TestLoginTimeout(t *testing.T) {
	store := newFakeStore()
	driver := &fakeDriver{url: testLoginURL}

	lm := newTestLoginManager(store, &fakeNotifier{}, &fakeWaker{}, driver)
	lm.window = 50 * time.Millisecond
	lm.Start("ac_a")

	require.Eventually(t, func() bool {
		return lm.Snapshot().State == models.LoginTimeout
	}, time.Second, 10*time.Millisecond)

	cred, _ := store.Credential("ac_a")
	assert.Empty(t, cred.Token)
}

func TestSecondStartInvalidatesFirstFlow(t *testing.T) {
	store := newFakeStore()
	driver1 := &fakeDriver{url: testLoginURL}
	driver2 := &fakeDriver{url: testLoginURL}

	drivers := []*fakeDriver{driver1, driver2}
	i := 0
	lm := NewLoginManager(store, &fakeNotifier{}, &fakeWaker{}, func() (BrowserDriver, error) {
		d := drivers[i]
		i++
		return d, nil
	}, testLoginURL, testPortalURL)
	lm.window = 2 * time.Second
	lm.pollInterval = 10 * time.Millisecond

	lm.Start("ac_a")
	require.Eventually(t, func() bool {
		driver1.mu.Lock()
		defer driver1.mu.Unlock()
		return driver1.urlCalls > 0
	}, time.Second, 10*time.Millisecond)

	lm.Start("ac_b")

	// first flow's driver is closed and its goroutine drains out
	require.Eventually(t, func() bool {
		driver1.mu.Lock()
		defer driver1.mu.Unlock()
		return driver1.closed
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "ac_b", lm.Snapshot().Source)
}

func TestStaleCommitWritesNothing(t *testing.T) {
	store := newFakeStore()
	waker := &fakeWaker{}
	notifier := &fakeNotifier{}
	driver := &fakeDriver{url: testLoginURL}

	lm := newTestLoginManager(store, notifier, waker, driver)
	lm.Start("ac_a")

	lm.mu.Lock()
	oldGen := lm.generation
	lm.mu.Unlock()

	lm.Start("ac_a") // bump generation

	lm.commitToken(oldGen, "ac_a", "stale-token", "UA", "")

	cred, _ := store.Credential("ac_a")
	assert.Empty(t, cred.Token, "stale generation must not persist a credential")
	assert.Equal(t, 0, waker.count())
	assert.Equal(t, 0, notifier.sentCount())
	assert.NotEqual(t, models.LoginSuccess, lm.Snapshot().State)
}

func TestSuccessStateNotDowngraded(t *testing.T) {
	store := newFakeStore()
	driver := &fakeDriver{url: testLoginURL}
	lm := newTestLoginManager(store, &fakeNotifier{}, &fakeWaker{}, driver)
	lm.Start("ac_a")

	lm.mu.Lock()
	gen := lm.generation
	lm.mu.Unlock()

	lm.commitToken(gen, "ac_a", "tok", "UA", "")
	assert.Equal(t, models.LoginSuccess, lm.Snapshot().State)

	lm.setState(gen, models.LoginTimeout)
	assert.Equal(t, models.LoginSuccess, lm.Snapshot().State, "timeout after success is ignored")
}

func TestSetManualCredential(t *testing.T) {
	store := newFakeStore()
	waker := &fakeWaker{}
	lm := newTestLoginManager(store, &fakeNotifier{}, waker, &fakeDriver{})

	require.NoError(t, lm.SetManualCredential("", "rawtoken", ""))

	cred, _ := store.Credential(models.LegacySource)
	assert.Equal(t, "JSESSIONID=rawtoken", cred.Token, "bare token gets the cookie name prefix")
	assert.Equal(t, defaultUserAgent, cred.UserAgent)
	assert.Equal(t, 1, waker.count())

	require.NoError(t, lm.SetManualCredential("ac_a", "JSESSIONID=full; other=1", "UA/2"))
	cred, _ = store.Credential("ac_a")
	assert.Equal(t, "JSESSIONID=full; other=1", cred.Token, "cookie strings pass through untouched")
	assert.Equal(t, "UA/2", cred.UserAgent)
}
