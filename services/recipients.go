package services

import "github.com/dormwatch/dorm-power/backend/models"

// RecipientResolver picks the alert recipients for a room using the cascade:
// room override, then source override, then meter-category group, then the
// configured defaults.
type RecipientResolver struct {
	store ConfigStore
}

func NewRecipientResolver(store ConfigStore) *RecipientResolver {
	return &RecipientResolver{store: store}
}

// Resolve returns the recipient list for a low-balance alert on the given
// room. An empty result means nobody is configured at any level and the
// alert should be skipped rather than sent to defaults blindly.
func (r *RecipientResolver) Resolve(room, source string, category models.MeterCategory) []string {
	if recips := r.store.RoomRecipients(room); len(recips) > 0 {
		return recips
	}
	if source != "" {
		if recips := r.store.SourceRecipients(source); len(recips) > 0 {
			return recips
		}
	}

	switch category {
	case models.CategoryLighting:
		// Lighting affects the whole room, so fan out to every group.
		var all []string
		for _, g := range r.store.GroupNames() {
			for _, recip := range r.store.GroupRecipients(g) {
				if !containsString(all, recip) {
					all = append(all, recip)
				}
			}
		}
		if len(all) > 0 {
			return all
		}
	case models.CategoryACGroupA:
		if recips := r.store.GroupRecipients("a"); len(recips) > 0 {
			return recips
		}
	case models.CategoryACGroupB:
		if recips := r.store.GroupRecipients("b"); len(recips) > 0 {
			return recips
		}
	}

	return r.store.DefaultRecipients()
}
