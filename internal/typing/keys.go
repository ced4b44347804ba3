package typing

import (
	"net/url"
	"strings"
)

const keyPrefix = "typing"

// Presence keys are "typing:<room>:<user>:<conn>" with each segment
// escaped, so IDs containing the delimiter cannot corrupt parsing and
// escaped segments contain no glob metacharacters.
func presenceKey(roomID, userID, connID string) string {
	return keyPrefix + ":" + escape(roomID) + ":" + escape(userID) + ":" + escape(connID)
}

func roomPattern(roomID string) string {
	return keyPrefix + ":" + escape(roomID) + ":*:*"
}

func userPattern(userID string) string {
	return keyPrefix + ":*:" + escape(userID) + ":*"
}

func connPattern(userID, connID string) string {
	return keyPrefix + ":*:" + escape(userID) + ":" + escape(connID)
}

func escape(s string) string {
	return url.QueryEscape(s)
}

// parseKey splits a presence key back into its segments. Reports false for
// keys that do not have the expected shape.
func parseKey(key string) (roomID, userID, connID string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != keyPrefix {
		return "", "", "", false
	}
	var err error
	if roomID, err = url.QueryUnescape(parts[1]); err != nil {
		return "", "", "", false
	}
	if userID, err = url.QueryUnescape(parts[2]); err != nil {
		return "", "", "", false
	}
	if connID, err = url.QueryUnescape(parts[3]); err != nil {
		return "", "", "", false
	}
	return roomID, userID, connID, true
}
