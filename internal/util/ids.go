package util

import "github.com/google/uuid"

// Prefixes of the correlation ids handed out by NewID.
const (
	EventIDPrefix        = "evt_"
	NotificationIDPrefix = "ntf_"
)

// NewID returns prefix followed by a random (v4) UUID, e.g. "evt_0b6f...".
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// HasIDPrefix reports whether id is prefix followed by a well-formed UUID.
func HasIDPrefix(id, prefix string) bool {
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return false
	}
	_, err := uuid.Parse(id[len(prefix):])
	return err == nil
}
