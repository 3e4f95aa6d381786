package session

import "bridgewatch/internal/model"

// changed is the single change-detection rule shared by the push-event
// and polling paths: only these tracked fields count as a real change,
// so frequent re-fetches of an identical snapshot stay silent.
func changed(old, new model.Session) bool {
	return old.IsConnected != new.IsConnected ||
		old.IsActive != new.IsActive ||
		old.PhoneNumber != new.PhoneNumber ||
		old.DisplayName != new.DisplayName
}

// snapshotChanged diffs two full snapshots: additions, removals, or a
// tracked-field change on any session.
func snapshotChanged(old, fresh []model.Session) bool {
	if len(old) != len(fresh) {
		return true
	}
	byID := make(map[string]model.Session, len(old))
	for _, s := range old {
		byID[s.ID] = s
	}
	for _, s := range fresh {
		prev, ok := byID[s.ID]
		if !ok || changed(prev, s) {
			return true
		}
	}
	return false
}

// isPlaceholderPhone reports whether the phone number field still holds
// a pre-pairing placeholder.
func isPlaceholderPhone(phone string) bool {
	return phone == "" || phone == "pending"
}
