// Package cache is a read-through cache for read-only list responses.
//
// Entries are keyed by (resource, filter signature) so two callers with
// different entitlements never share an entry. Every mutation of a resource
// calls Invalidate, which drops all signatures of that resource.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Store is the backing key/value store; values are JSON documents.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

func Key(resource, filterSignature string) string {
	return resource + "|" + filterSignature
}

func CourseTestsResource(courseID int64) string {
	return fmt.Sprintf("course:%d:tests", courseID)
}

type ReadThrough struct {
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

func NewReadThrough(store Store, ttl time.Duration, logger *slog.Logger) *ReadThrough {
	if store == nil {
		store = NopStore{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadThrough{store: store, ttl: ttl, logger: logger}
}

// Fetch returns the cached value for (resource, signature) or calls load and
// stores its result. Cache failures are logged and bypassed; load errors are
// returned and never cached. A nil ReadThrough always calls load.
func Fetch[T any](ctx context.Context, rt *ReadThrough, resource, signature string, load func(context.Context) (T, error)) (T, error) {
	if rt == nil {
		return load(ctx)
	}
	key := Key(resource, signature)

	if raw, ok, err := rt.store.Get(ctx, key); err != nil {
		rt.logger.Warn("cache get failed", "key", key, "error", err)
	} else if ok {
		var out T
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
		rt.logger.Warn("cache entry undecodable", "key", key)
	}

	v, err, _ := rt.group.Do(key, func() (interface{}, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(val); err == nil {
			if err := rt.store.Set(ctx, key, raw, rt.ttl); err != nil {
				rt.logger.Warn("cache set failed", "key", key, "error", err)
			}
		}
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops every filter signature cached for resource.
func (rt *ReadThrough) Invalidate(ctx context.Context, resource string) {
	if rt == nil {
		return
	}
	if err := rt.store.DeletePrefix(ctx, resource+"|"); err != nil {
		rt.logger.Error("cache invalidation failed", "resource", resource, "error", err)
	}
}
