package services

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/dormwatch/dorm-power/backend/models"
)

// repairFailureThreshold is how many consecutive auth failures a source must
// accumulate before a repair mail goes out.
const repairFailureThreshold = 3

var firstFloatRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ExtractFirstFloat pulls the first numeric token out of a display string
// like "27.04度" or "0元". Returns false when the string holds no number.
func ExtractFirstFloat(s string) (float64, bool) {
	match := firstFloatRe.FindString(s)
	if match == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// NormalizeRoomKey canonicalizes a room name for cooldown bookkeeping. The
// portal occasionally re-renders names with fullwidth digits or stray
// zero-width characters, which must not reset a cooldown.
func NormalizeRoomKey(room string) string {
	s := norm.NFKC.String(strings.TrimSpace(room))
	s = strings.ReplaceAll(s, "\u200b", "")
	s = strings.ReplaceAll(s, "\ufeff", "")
	return s
}

// AlertDispatcher owns the low-balance and repair cooldown ledgers and sends
// the corresponding mails through the notifier.
type AlertDispatcher struct {
	store    ConfigStore
	notifier Notifier
	resolver *RecipientResolver

	mu           sync.Mutex
	lowPowerSent map[string]time.Time
	repairSent   map[string]time.Time

	now func() time.Time
}

func NewAlertDispatcher(store ConfigStore, notifier Notifier) *AlertDispatcher {
	return &AlertDispatcher{
		store:        store,
		notifier:     notifier,
		resolver:     NewRecipientResolver(store),
		lowPowerSent: make(map[string]time.Time),
		repairSent:   make(map[string]time.Time),
		now:          time.Now,
	}
}

// CheckLowBalance scans the merged rooms and sends a low-power mail for each
// room whose remaining energy is strictly below the threshold, honoring the
// per-room cooldown. The cooldown is stamped after every send attempt so a
// flapping SMTP server cannot cause a mail storm.
func (a *AlertDispatcher) CheckLowBalance(rooms []models.RoomRecord) {
	threshold := a.store.LowPowerThreshold()
	cooldown := time.Duration(a.store.LowPowerCooldownSeconds()) * time.Second

	for _, room := range rooms {
		kwh, ok := ExtractFirstFloat(room.Energy)
		if !ok {
			log.Printf("[ALERT] Skipping %s: unparseable energy %q", room.Room, room.Energy)
			continue
		}
		if kwh >= threshold {
			continue
		}

		key := NormalizeRoomKey(room.Room)
		a.mu.Lock()
		last, seen := a.lowPowerSent[key]
		inCooldown := seen && a.now().Sub(last) < cooldown
		a.mu.Unlock()
		if inCooldown {
			continue
		}

		source := ""
		if len(room.Sources) > 0 {
			source = room.Sources[0]
		}
		recipients := a.resolver.Resolve(room.Room, source, room.Category)
		if len(recipients) == 0 {
			log.Printf("[ALERT] Low power in %s but no recipients configured, skipping", room.Room)
		} else {
			subject := fmt.Sprintf("⚠️ 缺电警告: %.2f度", kwh)
			body := fmt.Sprintf("房间/表计: %s\n剩余: %s度 / %s元\n请尽快充值!", room.Room, room.Energy, room.Balance)
			if err := a.notifier.Send(subject, body, recipients); err != nil {
				log.Printf("[ALERT] Low power mail for %s failed: %v", room.Room, err)
			} else {
				log.Printf("[ALERT] Low power mail sent for %s (%.2f kWh)", room.Room, kwh)
			}
		}

		a.mu.Lock()
		a.lowPowerSent[key] = a.now()
		a.mu.Unlock()
	}
}

// MaybeSendRepairAlert sends the credential-repair mail for a source once it
// has crossed the consecutive-failure threshold with an auth-class reason.
// Transient failures never trigger it. Returns true when a mail was
// attempted.
func (a *AlertDispatcher) MaybeSendRepairAlert(source string, failures int, reason FailReason, lastRooms []string) bool {
	if failures < repairFailureThreshold || !IsAuthFailure(reason) {
		return false
	}

	cooldown := time.Duration(a.store.RepairCooldownSeconds()) * time.Second
	a.mu.Lock()
	last, seen := a.repairSent[source]
	inCooldown := seen && a.now().Sub(last) < cooldown
	a.mu.Unlock()
	if inCooldown {
		return false
	}

	ip, port := a.store.ServerAddr()
	link := fmt.Sprintf("http://%s:%s/login", ip, port)
	if source != models.LegacySource {
		link = fmt.Sprintf("http://%s:%s/login?source=%s", ip, port, source)
	}

	recipients := a.repairRecipients(source, lastRooms)

	roomsText := "(未知：该账号近期无成功数据)"
	if len(lastRooms) > 0 {
		roomsText = strings.Join(lastRooms, "、")
	}

	subject := fmt.Sprintf("🚨 Cookie失效需修复 (%s)", source)
	body := fmt.Sprintf(
		"账号 %s 的登录状态已失效，连续 %d 次获取失败（原因: %s）。\n\n"+
			"受影响房间: %s\n\n"+
			"请尽快扫码重新登录:\n%s\n",
		source, failures, reason, roomsText, link)

	if err := a.notifier.Send(subject, body, recipients); err != nil {
		log.Printf("[ALERT] Repair mail for %s failed: %v", source, err)
	} else {
		log.Printf("[ALERT] Repair mail sent for %s", source)
	}

	a.mu.Lock()
	a.repairSent[source] = a.now()
	a.mu.Unlock()
	return true
}

// repairRecipients picks who gets a repair mail: everyone routed to the
// source's last known rooms, else the source override, else the group the
// source conventionally maps to, else nil which lets the mailer fall back to
// the defaults.
func (a *AlertDispatcher) repairRecipients(source string, lastRooms []string) []string {
	var out []string
	for _, room := range lastRooms {
		for _, recip := range a.store.RoomRecipients(room) {
			if !containsString(out, recip) {
				out = append(out, recip)
			}
		}
	}
	if len(out) > 0 {
		return out
	}

	if recips := a.store.SourceRecipients(source); len(recips) > 0 {
		return recips
	}

	if g := repairFallbackGroup(source); g != "" {
		if recips := a.store.GroupRecipients(g); len(recips) > 0 {
			return recips
		}
	}
	return nil
}

func repairFallbackGroup(source string) string {
	switch source {
	case "ac_a":
		return "a"
	case "ac_b":
		return "b"
	case "k":
		return "k"
	}
	return ""
}
