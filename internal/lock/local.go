package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"bitespeed/internal/sentinel"
)

const shardCount = 64

// LocalLocker provides fine-grained in-process locking using sharded
// semaphores. Keys hash onto shards; a call locks its distinct shards in
// ascending order, so two callers can never wait on each other in a cycle.
type LocalLocker struct {
	shards [shardCount]chan struct{}
}

// NewLocal creates a LocalLocker.
func NewLocal() *LocalLocker {
	l := &LocalLocker{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *LocalLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	shards := l.shardsFor(keys)

	acquired := make([]int, 0, len(shards))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			<-l.shards[acquired[i]]
		}
	}

	for _, idx := range shards {
		select {
		case l.shards[idx] <- struct{}{}:
			acquired = append(acquired, idx)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("%w: lock wait: %w", sentinel.ErrUnavailable, ctx.Err())
		}
	}
	return onceFunc(release), nil
}

func (l *LocalLocker) shardsFor(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	var out []int
	for _, k := range keys {
		idx := shardFor(k)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func onceFunc(fn func()) func() {
	done := false
	return func() {
		if done {
			return
		}
		done = true
		fn()
	}
}
