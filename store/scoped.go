package store

import (
	"context"
	"strings"
)

type scoped struct {
	parent Store
	prefix string
}

// Scoped returns a view of parent in which every key is namespaced by prefix.
// Keys returns unprefixed keys. Close is a no-op; the parent owns its resources.
//
// The HTTP layer uses one scope per device for the durable store and one per tab
// for the volatile store.
func Scoped(parent Store, prefix string) Store {
	return &scoped{parent: parent, prefix: prefix}
}

func (s *scoped) Get(ctx context.Context, key string) (string, bool, error) {
	return s.parent.Get(ctx, s.prefix+key)
}

func (s *scoped) Set(ctx context.Context, key, value string) error {
	return s.parent.Set(ctx, s.prefix+key, value)
}

func (s *scoped) Increment(ctx context.Context, key string) (int64, error) {
	return s.parent.Increment(ctx, s.prefix+key)
}

func (s *scoped) Delete(ctx context.Context, key string) error {
	return s.parent.Delete(ctx, s.prefix+key)
}

func (s *scoped) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.parent.Keys(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}

func (s *scoped) Probe(ctx context.Context) error {
	return s.parent.Probe(ctx)
}

func (s *scoped) Close() error { return nil }
