package location

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDisabled is returned when the provider is switched off and cannot
	// be resolved by the agent.
	ErrDisabled = errors.New("location: provider disabled")
	// ErrBadPolicy is returned for interval policies the provider rejects.
	ErrBadPolicy = errors.New("location: incorrect request parameters")
)

// Result is the outcome of a single-fix request. Absence is not an error.
type Result int

const (
	ResultOK Result = iota
	ResultPermissionNeeded
	ResultUnavailable // provider disabled or cache cleared
	ResultNotReady    // provider up but no fix recorded yet
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultPermissionNeeded:
		return "permission_needed"
	case ResultUnavailable:
		return "unavailable"
	case ResultNotReady:
		return "not_ready"
	default:
		return "unknown"
	}
}

// Policy controls how often continuous updates are delivered.
type Policy struct {
	Interval        time.Duration
	FastestInterval time.Duration
}

func (p Policy) Validate() error {
	if p.Interval <= 0 || p.FastestInterval < 0 || p.FastestInterval > p.Interval {
		return ErrBadPolicy
	}
	return nil
}

// Source abstracts a location provider.
type Source interface {
	// RequestUpdates delivers fixes until ctx is done, then closes the
	// channel. A closed subscription cannot be resumed; request again.
	RequestUpdates(ctx context.Context, p Policy) (<-chan Fix, error)
	// LastFix returns the most recent fix the provider knows of.
	LastFix(ctx context.Context) (Fix, Result)
}

type Permission interface {
	Granted(ctx context.Context) bool
}

type PermissionFunc func(ctx context.Context) bool

func (f PermissionFunc) Granted(ctx context.Context) bool { return f(ctx) }

// SingleFix checks perm before touching src; without permission it returns
// ResultPermissionNeeded immediately.
func SingleFix(ctx context.Context, perm Permission, src Source) (Fix, Result) {
	if perm == nil || !perm.Granted(ctx) {
		return Fix{}, ResultPermissionNeeded
	}
	fix, res := src.LastFix(ctx)
	if res != ResultOK {
		return Fix{}, res
	}
	return fix, ResultOK
}
