package canon

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidClientID is returned for identifiers that cannot name a client.
var ErrInvalidClientID = errors.New("invalid client id")

const maxClientIDLen = 128

var reClientID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]*$`)

// ClientID trims and validates a client identifier. Identifiers are case
// sensitive; only surrounding whitespace is removed.
func ClientID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", errors.Join(ErrInvalidClientID, errors.New("client id is required"))
	}
	if len(id) > maxClientIDLen {
		return "", errors.Join(ErrInvalidClientID, errors.New("client id too long"))
	}
	if !reClientID.MatchString(id) {
		return "", errors.Join(ErrInvalidClientID, errors.New("client id has unsupported characters"))
	}
	return id, nil
}

// LockKey is the name under which refreshes of a client are serialized.
func LockKey(clientID string) string { return "recs:refresh:" + clientID }

// ReadCacheKey is the redis key of the cached read model for a client.
func ReadCacheKey(clientID string) string { return "recs:latest:" + clientID }

// ReadCacheVersionKey holds the id of the newest batch written for a client.
// Cache fills for any other batch are skipped.
func ReadCacheVersionKey(clientID string) string { return "recs:latest-batch:" + clientID }
