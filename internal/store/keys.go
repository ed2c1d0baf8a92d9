package store

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Key layout:
//
//	m:<id>                          message record (JSON)
//	c:<lo>:<hi>:<ts>:<id>           conversation index, lo < hi, ts = 20-digit unix nanos
//	d:<ts>:<id>                     tombstone index, ts = deletion time
//	u:<id>                          user record (JSON)
const (
	prefixMessage      = "m:"
	prefixConversation = "c:"
	prefixTombstone    = "d:"
	prefixUser         = "u:"
)

// ids become part of keys, so ':' and anything unprintable are refused
var idRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]{1,256}$`)

// ValidateID checks a user or message id.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id empty")
	}
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid id: %q", id)
	}
	return nil
}

func messageKey(id string) []byte { return []byte(prefixMessage + id) }

func userKey(id string) []byte { return []byte(prefixUser + id) }

func pair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

func conversationPrefix(a, b string) []byte {
	lo, hi := pair(a, b)
	return []byte(prefixConversation + lo + ":" + hi + ":")
}

func conversationKey(a, b string, ts int64, id string) []byte {
	return append(conversationPrefix(a, b), []byte(padTS(ts)+":"+id)...)
}

func tombstoneKey(ts int64, id string) []byte {
	return []byte(prefixTombstone + padTS(ts) + ":" + id)
}

func padTS(ts int64) string {
	return fmt.Sprintf("%020d", ts)
}

// parseIndexTail extracts ts and id from the "<ts>:<id>" tail of an index key.
func parseIndexTail(tail string) (int64, string, error) {
	i := strings.IndexByte(tail, ':')
	if i < 0 {
		return 0, "", fmt.Errorf("malformed index key tail %q", tail)
	}
	ts, err := strconv.ParseInt(tail[:i], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed index timestamp %q: %w", tail, err)
	}
	return ts, tail[i+1:], nil
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
