package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned by Probe when a store cannot complete a write/delete round trip.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotInteger is returned by Increment when the stored value is not an integer.
	ErrNotInteger = errors.New("store: value is not an integer")
)

// Store defines the key/value capability shared by the durable and volatile stores.
// Keys and values are strings. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Increment atomically adds one to the integer stored under key, treating a
	// missing key as zero, and returns the new value. A value that is not an
	// integer is left untouched and reported as ErrNotInteger.
	Increment(ctx context.Context, key string) (int64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns every live key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Probe performs a write/delete round trip to detect an unusable store.
	Probe(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

const probeKey = "__store_probe__"

// GetJSON decodes the JSON value stored under key into dest.
// Returns false when the key is absent.
func GetJSON(ctx context.Context, st Store, key string, dest any) (bool, error) {
	raw, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes value as JSON and stores it under key.
func SetJSON(ctx context.Context, st Store, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return st.Set(ctx, key, string(b))
}

// DeletePrefix removes every key starting with prefix.
func DeletePrefix(ctx context.Context, st Store, prefix string) error {
	keys, err := st.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		if err := st.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
