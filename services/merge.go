package services

import (
	"strings"

	"github.com/dormwatch/dorm-power/backend/models"
)

// MeterKeywords are the configurable substrings used to classify a room name
// into a meter category.
type MeterKeywords struct {
	Lighting string
	ACGroupA string
	ACGroupB string
}

// ClassifyMeter assigns a meter category by keyword containment. Group
// keywords are checked before the generic AC fallback so "3-721A空调" lands
// in ac_a rather than ac.
func ClassifyMeter(room string, kw MeterKeywords) models.MeterCategory {
	switch {
	case kw.Lighting != "" && strings.Contains(room, kw.Lighting):
		return models.CategoryLighting
	case kw.ACGroupA != "" && strings.Contains(room, kw.ACGroupA):
		return models.CategoryACGroupA
	case kw.ACGroupB != "" && strings.Contains(room, kw.ACGroupB):
		return models.CategoryACGroupB
	case strings.Contains(room, "空调"):
		return models.CategoryACGeneric
	}
	return models.CategoryUnknown
}

// MergeRooms combines per-source room lists into one deduplicated list keyed
// by room name. First-encounter order is preserved. For duplicate rooms the
// latest values win, sources are unioned, and a specific category is never
// downgraded to a generic or unknown one.
func MergeRooms(perSource [][]models.RoomRecord) []models.RoomRecord {
	merged := make(map[string]*models.RoomRecord)
	var order []string

	for _, rooms := range perSource {
		for _, r := range rooms {
			existing, ok := merged[r.Room]
			if !ok {
				entry := r
				if entry.Category == "" {
					entry.Category = models.CategoryUnknown
				}
				entry.Sources = append([]string(nil), r.Sources...)
				merged[r.Room] = &entry
				order = append(order, r.Room)
				continue
			}

			existing.Energy = r.Energy
			existing.Balance = r.Balance
			for _, src := range r.Sources {
				if !containsString(existing.Sources, src) {
					existing.Sources = append(existing.Sources, src)
				}
			}
			if categoryUpgrades(existing.Category, r.Category) {
				existing.Category = r.Category
			}
		}
	}

	out := make([]models.RoomRecord, 0, len(order))
	for _, room := range order {
		out = append(out, *merged[room])
	}
	return out
}

// categoryUpgrades reports whether incoming should replace current. Only
// unknown and the generic ac category may be overwritten, and only by a real
// classification.
func categoryUpgrades(current, incoming models.MeterCategory) bool {
	if incoming == "" || incoming == models.CategoryUnknown {
		return false
	}
	return current == "" || current == models.CategoryUnknown || current == models.CategoryACGeneric
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
