// Package lockmgr serializes balance and session mutations. Keys are always
// acquired in sorted order so overlapping key sets cannot deadlock.
package lockmgr

import (
	"context"
	"sort"
)

// Release frees every key obtained by one Acquire call. It is safe to call
// more than once.
type Release func()

// Manager grants exclusive access to a set of keys.
type Manager interface {
	Acquire(ctx context.Context, keys ...string) (Release, error)
}

// SessionKey is the lock key for a session. It sorts before account keys.
func SessionKey(sessionID string) string {
	return "0session:" + sessionID
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
