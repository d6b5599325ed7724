package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dormwatch/dorm-power/backend/models"
)

func TestBackoffSeconds(t *testing.T) {
	assert.Equal(t, 60, backoffSeconds(1, 900))
	assert.Equal(t, 120, backoffSeconds(2, 900))
	assert.Equal(t, 300, backoffSeconds(3, 900))
	assert.Equal(t, 900, backoffSeconds(4, 900))
	assert.Equal(t, 900, backoffSeconds(9, 900))

	// capped at the polling interval
	assert.Equal(t, 300, backoffSeconds(4, 300))
	assert.Equal(t, 60, backoffSeconds(2, 60))
}

func TestComputeSleep(t *testing.T) {
	assert.Equal(t, 900*time.Second, computeSleep(true, 900, nil))
	assert.Equal(t, 60*time.Second, computeSleep(false, 900, nil), "all sources down uses the 60s base")

	assert.Equal(t, 120*time.Second, computeSleep(true, 900, []int{300, 120}))
	assert.Equal(t, 60*time.Second, computeSleep(false, 900, []int{60, 120}))

	// the 5s floor only applies when transient backoffs exist
	assert.Equal(t, 5*time.Second, computeSleep(true, 900, []int{1}))
	assert.Equal(t, 3*time.Second, computeSleep(true, 3, nil))
}

func newTestMonitor(store *fakeStore, fetcher Fetcher, notifier *fakeNotifier) *Monitor {
	return NewMonitor(store, fetcher, NewAlertDispatcher(store, notifier))
}

func TestRunCycleMergesAndTagsRooms(t *testing.T) {
	store := newFakeStore()
	store.sources = []string{"ac_a", "ac_b"}
	store.creds["ac_a"] = models.Credential{Token: "JSESSIONID=a"}
	store.creds["ac_b"] = models.Credential{Token: "JSESSIONID=b"}

	fetcher := newFakeFetcher()
	fetcher.set("JSESSIONID=a", []models.RawRoom{
		{Room: "3-721照明", Energy: "50度", Balance: "25元"},
		{Room: "3-721A空调", Energy: "30度", Balance: "15元"},
	}, ReasonOK)
	fetcher.set("JSESSIONID=b", []models.RawRoom{
		{Room: "3-721照明", Energy: "50度", Balance: "25元"},
		{Room: "3-721B空调", Energy: "40度", Balance: "20元"},
	}, ReasonOK)

	m := newTestMonitor(store, fetcher, &fakeNotifier{})
	sleep := m.runCycle()
	assert.Equal(t, 900*time.Second, sleep)

	snap := m.Snapshot()
	require.Len(t, snap.Rooms, 3)
	assert.Equal(t, "3-721照明", snap.Rooms[0].Room)
	assert.Equal(t, models.CategoryLighting, snap.Rooms[0].Category)
	assert.ElementsMatch(t, []string{"ac_a", "ac_b"}, snap.Rooms[0].Sources)
	assert.Equal(t, models.CategoryACGroupA, snap.Rooms[1].Category)
	assert.Equal(t, models.CategoryACGroupB, snap.Rooms[2].Category)

	assert.Empty(t, snap.LastError)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Equal(t, 0, snap.SourceStatus["ac_a"].ConsecutiveFailures)
	assert.NotEmpty(t, snap.SourceStatus["ac_a"].LastOKTime)
	assert.Equal(t, []string{"3-721照明", "3-721A空调"}, snap.SourceStatus["ac_a"].LastRooms)
}

func TestRunCycleMissingCredential(t *testing.T) {
	store := newFakeStore()
	store.sources = []string{"ac_a"}

	m := newTestMonitor(store, newFakeFetcher(), &fakeNotifier{})
	sleep := m.runCycle()
	assert.Equal(t, 60*time.Second, sleep, "no data falls back to the 60s base")

	snap := m.Snapshot()
	assert.False(t, snap.SourceStatus["ac_a"].HasCredential)
	assert.Equal(t, "Cookie未配置", snap.SourceStatus["ac_a"].LastError)
	assert.Equal(t, "ac_a:Cookie未配置", snap.LastError)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestRunCyclePartialFailureKeepsGoodData(t *testing.T) {
	store := newFakeStore()
	store.sources = []string{"ac_a", "ac_b"}
	store.creds["ac_a"] = models.Credential{Token: "JSESSIONID=a"}
	store.creds["ac_b"] = models.Credential{Token: "JSESSIONID=b"}

	fetcher := newFakeFetcher()
	fetcher.set("JSESSIONID=a", []models.RawRoom{{Room: "3-721照明", Energy: "50度", Balance: "25元"}}, ReasonOK)
	fetcher.set("JSESSIONID=b", nil, ReasonAuthRequired)

	m := newTestMonitor(store, fetcher, &fakeNotifier{})
	m.runCycle()

	snap := m.Snapshot()
	assert.Len(t, snap.Rooms, 1)
	assert.Equal(t, "ac_b:连续失败1次", snap.LastError, "degraded source stays visible in the global summary")
	assert.Zero(t, snap.ConsecutiveFailures, "partial data keeps the global failure count at zero")
	assert.Equal(t, 1, snap.SourceStatus["ac_b"].ConsecutiveFailures)
	assert.Contains(t, snap.SourceStatus["ac_b"].LastError, "auth_required")

	// once every source succeeds the summary clears
	fetcher.set("JSESSIONID=b", []models.RawRoom{{Room: "3-721B空调", Energy: "40度", Balance: "20元"}}, ReasonOK)
	m.runCycle()
	assert.Empty(t, m.Snapshot().LastError)
}

func TestRunCycleTransientFailureShortensSleep(t *testing.T) {
	store := newFakeStore()
	store.sources = []string{"ac_a", "ac_b"}
	store.creds["ac_a"] = models.Credential{Token: "JSESSIONID=a"}
	store.creds["ac_b"] = models.Credential{Token: "JSESSIONID=b"}

	fetcher := newFakeFetcher()
	fetcher.set("JSESSIONID=a", []models.RawRoom{{Room: "3-721照明", Energy: "50度", Balance: "25元"}}, ReasonOK)
	fetcher.set("JSESSIONID=b", nil, ReasonTimeout)

	m := newTestMonitor(store, fetcher, &fakeNotifier{})
	sleep := m.runCycle()
	assert.Equal(t, 60*time.Second, sleep, "first transient failure backs off 60s")

	sleep = m.runCycle()
	assert.Equal(t, 120*time.Second, sleep, "second consecutive failure backs off 120s")
}

func TestRunCycleAuthFailureTriggersRepairAlert(t *testing.T) {
	store := newFakeStore()
	store.sources = []string{"ac_a"}
	store.creds["ac_a"] = models.Credential{Token: "JSESSIONID=a"}

	fetcher := newFakeFetcher()
	fetcher.set("JSESSIONID=a", nil, ReasonRedirect)

	notifier := &fakeNotifier{}
	m := newTestMonitor(store, fetcher, notifier)

	m.runCycle()
	m.runCycle()
	assert.Equal(t, 0, notifier.sentCount(), "below the 3-failure threshold")

	m.runCycle()
	require.Equal(t, 1, notifier.sentCount())
	mail, _ := notifier.lastSent()
	assert.Contains(t, mail.Subject, "Cookie失效")
}

func TestRunCycleLowBalanceAlert(t *testing.T) {
	store := newFakeStore()
	store.sources = []string{"k"}
	store.creds["k"] = models.Credential{Token: "JSESSIONID=k"}
	store.defaults = []string{"default@example.com"}

	fetcher := newFakeFetcher()
	fetcher.set("JSESSIONID=k", []models.RawRoom{{Room: "3-721照明", Energy: "3.5度", Balance: "1.75元"}}, ReasonOK)

	notifier := &fakeNotifier{}
	m := newTestMonitor(store, fetcher, notifier)
	m.runCycle()

	require.Equal(t, 1, notifier.sentCount())
	mail, _ := notifier.lastSent()
	assert.Contains(t, mail.Subject, "缺电警告")
}

type recordingSink struct {
	rooms []models.RoomRecord
}

func (r *recordingSink) RecordSamples(rooms []models.RoomRecord, at time.Time) {
	r.rooms = append(r.rooms, rooms...)
}

type recordingPublisher struct {
	rooms []models.RoomRecord
}

func (r *recordingPublisher) PublishRooms(rooms []models.RoomRecord) {
	r.rooms = append(r.rooms, rooms...)
}

func TestRunCycleFeedsSinkAndPublisher(t *testing.T) {
	store := newFakeStore()
	store.sources = []string{"k"}
	store.creds["k"] = models.Credential{Token: "JSESSIONID=k"}

	fetcher := newFakeFetcher()
	fetcher.set("JSESSIONID=k", []models.RawRoom{{Room: "3-721照明", Energy: "50度", Balance: "25元"}}, ReasonOK)

	sink := &recordingSink{}
	pub := &recordingPublisher{}
	m := newTestMonitor(store, fetcher, &fakeNotifier{})
	m.SetSampleSink(sink)
	m.SetPublisher(pub)

	m.runCycle()
	assert.Len(t, sink.rooms, 1)
	assert.Len(t, pub.rooms, 1)

	// a failing cycle feeds nothing
	fetcher.set("JSESSIONID=k", nil, ReasonTimeout)
	m.runCycle()
	assert.Len(t, sink.rooms, 1)
	assert.Len(t, pub.rooms, 1)
}

func TestRequestImmediateCheckShortCircuitsSleep(t *testing.T) {
	store := newFakeStore()
	m := newTestMonitor(store, newFakeFetcher(), &fakeNotifier{})

	m.RequestImmediateCheck("test")

	start := time.Now()
	stopped := m.waitOrWake(5 * time.Second)
	assert.False(t, stopped)
	assert.Less(t, time.Since(start), time.Second, "wake should interrupt the sleep")

	assert.Equal(t, 1, m.Snapshot().NextCheckIn)
}

func TestWakeRequestsCollapse(t *testing.T) {
	store := newFakeStore()
	m := newTestMonitor(store, newFakeFetcher(), &fakeNotifier{})

	m.RequestImmediateCheck("first")
	m.RequestImmediateCheck("second")
	m.RequestImmediateCheck("third")

	assert.False(t, m.waitOrWake(time.Second), "one wake pending")

	start := time.Now()
	assert.False(t, m.waitOrWake(50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "extra requests collapsed into one wake")
}

func TestSetMonitoringPausesLoop(t *testing.T) {
	store := newFakeStore()
	m := newTestMonitor(store, newFakeFetcher(), &fakeNotifier{})

	assert.True(t, m.IsMonitoring())
	m.SetMonitoring(false)
	assert.False(t, m.IsMonitoring())
	m.SetMonitoring(true)
	assert.True(t, m.IsMonitoring())
}

func TestStopTerminatesWait(t *testing.T) {
	store := newFakeStore()
	m := newTestMonitor(store, newFakeFetcher(), &fakeNotifier{})

	go m.Stop()
	assert.Eventually(t, func() bool {
		return m.waitOrWake(10 * time.Second)
	}, time.Second, 10*time.Millisecond)

	m.Stop() // idempotent
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	store := newFakeStore()
	store.sources = []string{"k"}
	store.creds["k"] = models.Credential{Token: "JSESSIONID=k"}

	fetcher := newFakeFetcher()
	fetcher.set("JSESSIONID=k", []models.RawRoom{{Room: "3-721照明", Energy: "50度", Balance: "25元"}}, ReasonOK)

	m := newTestMonitor(store, fetcher, &fakeNotifier{})
	m.runCycle()

	snap := m.Snapshot()
	snap.Rooms[0].Sources[0] = "tampered"
	snap.Rooms[0].Room = "tampered"

	fresh := m.Snapshot()
	assert.Equal(t, "3-721照明", fresh.Rooms[0].Room)
	assert.Equal(t, []string{"k"}, fresh.Rooms[0].Sources)
}
