// Package cache provides the get-or-keep-previous refresh bridge between
// remote fetches and durable caches. A designated fetch failure is logged
// and swallowed without touching the cache, so transient upstream trouble
// never corrupts previously good state. It must not be used for data
// whose loss is unacceptable (such as archival of newly observed posts);
// those operations fail loudly instead.
package cache

import (
	"errors"
	"log/slog"
)

// SkipNone is a skip predicate that stores every successful result.
func SkipNone[T any](T) bool { return false }

// SkipEmptySlice skips storing a nil or empty slice result.
func SkipEmptySlice[E any](v []E) bool { return len(v) == 0 }

// RefreshOrKeep calls fetch and, on success, passes the result to store,
// replacing the cached state. A fetch error matching one of the explicit
// catch kinds (via errors.Is) is logged and swallowed and store is not
// called, leaving prior cached state untouched. Any other fetch error,
// and any store error, propagates: callers must never list programmer or
// storage errors as suppressible.
//
// A successful result for which skip returns true is not stored either;
// use this for fetches that signal "nothing new" with an empty value.
func RefreshOrKeep[T any](logger *slog.Logger, name string, fetch func() (T, error), store func(T) error, skip func(T) bool, catch ...error) error {
	if logger == nil {
		logger = slog.Default()
	}

	value, err := fetch()
	if err != nil {
		for _, kind := range catch {
			if errors.Is(err, kind) {
				logger.Warn("fetch failed, keeping cached value",
					"fetch", name,
					"error", err)
				return nil
			}
		}
		return err
	}

	if skip != nil && skip(value) {
		logger.Debug("fetch returned skip value, cache untouched", "fetch", name)
		return nil
	}

	return store(value)
}
