package location

import (
	"context"
	"sync"
	"time"
)

const ProviderSimulated = "sim"

// Simulator replays a fixed route in a loop. Used by the sample host and tests.
type Simulator struct {
	route []Fix

	mu       sync.Mutex
	enabled  bool
	next     int
	last     Fix
	haveLast bool
}

func NewSimulator(route []Fix) *Simulator {
	return &Simulator{route: route, enabled: true}
}

// SetEnabled switches the simulated provider on or off. Switching off clears
// the cached fix, like a device with location turned off.
func (s *Simulator) SetEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = on
	if !on {
		s.haveLast = false
	}
}

func (s *Simulator) RequestUpdates(ctx context.Context, p Policy) (<-chan Fix, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return nil, ErrDisabled
	}

	out := make(chan Fix)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			fix, ok := s.step()
			if ok {
				select {
				case out <- fix:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (s *Simulator) LastFix(ctx context.Context) (Fix, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return Fix{}, ResultUnavailable
	}
	if !s.haveLast {
		return Fix{}, ResultNotReady
	}
	return s.last, ResultOK
}

func (s *Simulator) step() (Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || len(s.route) == 0 {
		return Fix{}, false
	}
	fix := s.route[s.next%len(s.route)]
	s.next++
	fix.Timestamp = time.Now().UTC()
	if fix.Provider == "" {
		fix.Provider = ProviderSimulated
	}
	s.last = fix
	s.haveLast = true
	return fix, true
}
