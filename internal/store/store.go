package store

import (
	"context"
	"strconv"
)

// Claves durables.
const (
	KeyTrackingDesired    = "trackingDesired"
	KeyLocationPermission = "locationPermission"
)

// Store is a small durable key/value store. Set must not return before the
// value is committed, so a crash right after Set still sees it on restart.
type Store interface {
	Get(ctx context.Context, key, def string) (string, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

func GetBool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	v, err := s.Get(ctx, key, strconv.FormatBool(def))
	if err != nil {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, nil
	}
	return b, nil
}

func SetBool(ctx context.Context, s Store, key string, value bool) error {
	return s.Set(ctx, key, strconv.FormatBool(value))
}
