package store

import (
	"context"
	"log/slog"
)

// Permission is the location permission gate. The host grants it after
// showing the rationale to the user.
type Permission struct {
	store  Store
	logger *slog.Logger
}

func NewPermission(s Store, logger *slog.Logger) *Permission {
	return &Permission{store: s, logger: logger.With("component", "permission")}
}

func (p *Permission) Granted(ctx context.Context) bool {
	ok, err := GetBool(ctx, p.store, KeyLocationPermission, false)
	if err != nil {
		p.logger.Warn("read permission failed", "err", err)
		return false
	}
	return ok
}

func (p *Permission) Grant(ctx context.Context) error {
	return SetBool(ctx, p.store, KeyLocationPermission, true)
}

func (p *Permission) Revoke(ctx context.Context) error {
	return SetBool(ctx, p.store, KeyLocationPermission, false)
}
