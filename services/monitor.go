package services

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dormwatch/dorm-power/backend/models"
)

// SampleSink receives each cycle's merged rooms for history recording.
type SampleSink interface {
	RecordSamples(rooms []models.RoomRecord, at time.Time)
}

// RoomPublisher pushes each cycle's merged rooms to an external bus.
type RoomPublisher interface {
	PublishRooms(rooms []models.RoomRecord)
}

// Waker lets the login flow short-circuit the scheduler's sleep after a
// credential change.
type Waker interface {
	RequestImmediateCheck(reason string)
}

// backoffSchedule is the retry ladder applied per consecutive failure count.
var backoffSchedule = []int{60, 120, 300, 900}

// backoffSeconds returns the retry delay for the given consecutive failure
// count, capped at the configured polling interval.
func backoffSeconds(failures, intervalCap int) int {
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	d := backoffSchedule[idx]
	if intervalCap > 0 && d > intervalCap {
		d = intervalCap
	}
	return d
}

// computeSleep picks the next sleep. With data flowing it is the configured
// interval; with every source down it is a fixed 60s base. Transient
// failures shorten it to their smallest backoff, floored at 5s so a zero cap
// cannot spin the loop.
func computeSleep(hasData bool, interval int, transientBackoffs []int) time.Duration {
	sleep := interval
	if !hasData {
		sleep = 60
	}
	if len(transientBackoffs) > 0 {
		for _, b := range transientBackoffs {
			if b < sleep {
				sleep = b
			}
		}
		if sleep < 5 {
			sleep = 5
		}
	}
	return time.Duration(sleep) * time.Second
}

// Monitor runs the polling loop: fetch every source, merge, alert, record,
// publish, sleep. All mutable state is behind mu; the loop itself is a
// single goroutine.
type Monitor struct {
	store   ConfigStore
	fetcher Fetcher
	alerts  *AlertDispatcher

	samples   SampleSink
	publisher RoomPublisher

	mu                  sync.RWMutex
	monitoring          bool
	lastCheckTime       string
	rooms               []models.RoomRecord
	lastError           string
	consecutiveFailures int
	nextCheckIn         int
	sources             map[string]*models.SourceStatus

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(store ConfigStore, fetcher Fetcher, alerts *AlertDispatcher) *Monitor {
	return &Monitor{
		store:      store,
		fetcher:    fetcher,
		alerts:     alerts,
		monitoring: true,
		sources:    make(map[string]*models.SourceStatus),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// SetSampleSink must be called before Start.
func (m *Monitor) SetSampleSink(s SampleSink) { m.samples = s }

// SetPublisher must be called before Start.
func (m *Monitor) SetPublisher(p RoomPublisher) { m.publisher = p }

// Start runs the polling loop until Stop. Blocks; run in a goroutine.
func (m *Monitor) Start() {
	log.Println("[MONITOR] Polling loop started")
	for {
		select {
		case <-m.stop:
			log.Println("[MONITOR] Polling loop stopped")
			return
		default:
		}

		if !m.IsMonitoring() {
			if m.waitOrWake(10 * time.Second) {
				return
			}
			continue
		}

		sleep := m.runCycle()
		m.mu.Lock()
		m.nextCheckIn = int(sleep / time.Second)
		m.mu.Unlock()

		if m.waitOrWake(sleep) {
			return
		}
	}
}

// Stop terminates the loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// waitOrWake sleeps for d unless woken or stopped. Returns true on stop.
func (m *Monitor) waitOrWake(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.stop:
		return true
	case <-m.wake:
		log.Println("[MONITOR] Sleep interrupted, checking now")
		return false
	case <-timer.C:
		return false
	}
}

// RequestImmediateCheck wakes the scheduler out of its sleep. The wake
// channel holds one slot so concurrent requests collapse into a single
// early cycle.
func (m *Monitor) RequestImmediateCheck(reason string) {
	m.mu.Lock()
	m.nextCheckIn = 1
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
		log.Printf("[MONITOR] Immediate check requested: %s", reason)
	default:
	}
}

// SetMonitoring pauses or resumes polling without killing the loop.
func (m *Monitor) SetMonitoring(enabled bool) {
	m.mu.Lock()
	m.monitoring = enabled
	m.mu.Unlock()
	if enabled {
		m.RequestImmediateCheck("monitoring resumed")
	}
}

func (m *Monitor) IsMonitoring() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.monitoring
}

// runCycle performs one full poll over all sources and returns how long to
// sleep before the next one.
func (m *Monitor) runCycle() time.Duration {
	interval := m.store.Interval()
	keywords := m.store.MeterKeywords()
	sources := m.store.AuthSources()
	now := time.Now().Format("2006-01-02 15:04:05")

	var perSource [][]models.RoomRecord
	var transientBackoffs []int
	var sourceErrors []string

	for _, source := range sources {
		status := m.sourceStatus(source)

		cred, err := m.store.Credential(source)
		if err != nil {
			log.Printf("[MONITOR] Credential load failed for %s: %v", source, err)
			cred = models.Credential{}
		}
		hasCred := cred.Token != ""

		if !hasCred {
			m.mu.Lock()
			status.HasCredential = false
			status.LastError = "Cookie未配置"
			m.mu.Unlock()
			sourceErrors = append(sourceErrors, source+":Cookie未配置")
			continue
		}

		rooms, reason := m.fetcher.Fetch(cred)
		if reason == ReasonOK {
			tagged := make([]models.RoomRecord, 0, len(rooms))
			names := make([]string, 0, len(rooms))
			for _, r := range rooms {
				tagged = append(tagged, models.RoomRecord{
					Room:     r.Room,
					Energy:   r.Energy,
					Balance:  r.Balance,
					Category: ClassifyMeter(r.Room, keywords),
					Sources:  []string{source},
				})
				names = append(names, r.Room)
			}
			perSource = append(perSource, tagged)

			m.mu.Lock()
			status.HasCredential = true
			status.LastError = ""
			status.ConsecutiveFailures = 0
			status.LastOKTime = now
			status.LastRooms = names
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		status.HasCredential = true
		status.ConsecutiveFailures++
		failures := status.ConsecutiveFailures
		status.LastError = formatSourceError(failures, reason)
		lastRooms := append([]string(nil), status.LastRooms...)
		m.mu.Unlock()

		log.Printf("[MONITOR] Source %s failed (%d consecutive): %s", source, failures, reason)
		sourceErrors = append(sourceErrors, fmt.Sprintf("%s:连续失败%d次", source, failures))

		if IsTransient(reason) {
			transientBackoffs = append(transientBackoffs, backoffSeconds(failures, interval))
		}
		m.alerts.MaybeSendRepairAlert(source, failures, reason, lastRooms)
	}

	merged := MergeRooms(perSource)
	hasData := len(merged) > 0

	// The global error line carries every degraded source even when other
	// sources delivered data; only the failure counter requires a full outage.
	m.mu.Lock()
	m.lastCheckTime = now
	m.lastError = strings.Join(sourceErrors, "; ")
	if hasData {
		m.rooms = merged
		m.consecutiveFailures = 0
	} else {
		m.consecutiveFailures++
	}
	m.mu.Unlock()

	if hasData {
		m.alerts.CheckLowBalance(merged)
		if m.samples != nil {
			m.samples.RecordSamples(merged, time.Now())
		}
		if m.publisher != nil {
			m.publisher.PublishRooms(merged)
		}
	}

	return computeSleep(hasData, interval, transientBackoffs)
}

// sourceStatus returns the tracked status entry for a source, creating it on
// first sight. Entries for sources removed from the roster are kept; they
// stop updating but remain visible in the snapshot until restart.
func (m *Monitor) sourceStatus(source string) *models.SourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sources[source]
	if !ok {
		st = &models.SourceStatus{}
		m.sources[source] = st
	}
	return st
}

func formatSourceError(failures int, reason FailReason) string {
	return fmt.Sprintf("获取失败 (连续 %d 次) - %s", failures, reason)
}

// Snapshot returns a deep copy of the monitor state for the HTTP boundary.
func (m *Monitor) Snapshot() models.StatusSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := models.StatusSnapshot{
		LastCheckTime:       m.lastCheckTime,
		LastError:           m.lastError,
		ConsecutiveFailures: m.consecutiveFailures,
		IsMonitoring:        m.monitoring,
		NextCheckIn:         m.nextCheckIn,
		Rooms:               make([]models.RoomRecord, 0, len(m.rooms)),
		SourceStatus:        make(map[string]models.SourceStatus, len(m.sources)),
	}
	for _, r := range m.rooms {
		rc := r
		rc.Sources = append([]string(nil), r.Sources...)
		snap.Rooms = append(snap.Rooms, rc)
	}
	for src, st := range m.sources {
		stc := *st
		stc.LastRooms = append([]string(nil), st.LastRooms...)
		snap.SourceStatus[src] = stc
	}
	return snap
}
