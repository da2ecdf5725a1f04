// Package lock serializes reconcile calls that touch the same identifiers.
package lock

import (
	"context"
	"sort"
)

// Locker acquires every key or none. The returned release function is safe
// to call once; acquisition failures wrap sentinel.ErrUnavailable.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (release func(), err error)
}

// KeysFor derives lock keys from a request's identifiers.
func KeysFor(email, phoneNumber *string) []string {
	var keys []string
	if email != nil {
		keys = append(keys, "email:"+*email)
	}
	if phoneNumber != nil {
		keys = append(keys, "phone:"+*phoneNumber)
	}
	return keys
}

// normalizeKeys returns keys sorted and de-duplicated so every caller
// acquires in the same order.
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
