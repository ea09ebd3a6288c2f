package controller

import (
	"time"

	"github.com/phaserudder/phaserudder/pkg/types"
)

// modeDebounce turns the noisy raw mode into a confirmed one. A new raw mode
// has to be observed continuously for stable before it replaces the
// confirmed mode.
type modeDebounce struct {
	stable time.Duration

	state       types.ModeState
	initialized bool
}

// observe feeds one raw observation and returns the confirmed mode.
func (d *modeDebounce) observe(raw types.Mode, now time.Time) types.Mode {
	if !d.initialized {
		d.state = types.ModeState{Confirmed: raw, Pending: raw, PendingSince: now}
		d.initialized = true
		return raw
	}

	switch {
	case raw == d.state.Confirmed:
		d.state.Pending = raw
		d.state.PendingSince = now
	case raw != d.state.Pending:
		d.state.Pending = raw
		d.state.PendingSince = now
	case now.Sub(d.state.PendingSince) >= d.stable:
		d.state.Confirmed = raw
	}
	return d.state.Confirmed
}

// peek returns what observe would confirm without changing any state.
func (d *modeDebounce) peek(raw types.Mode, now time.Time) types.Mode {
	cp := *d
	return cp.observe(raw, now)
}
