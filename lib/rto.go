package lib

import "time"

// RtoEstimator derives the retransmission timeout from measured round trips
// (RFC 6298 smoothing with alpha = 1/8, beta = 1/4, K = 4).
//
// All arithmetic is done on integer microseconds. A zero timeout means no
// value has been established yet. A backed-off timeout is not a measurement:
// the first sample after it still seeds the smoothing state.
type RtoEstimator struct {
	handshake uint64 // microseconds
	min       uint64
	max       uint64

	srtt   uint64 // s
	rttvar uint64 // v
	rto    uint64 // t, 0 when unset

	sampled bool
}

func NewRtoEstimator(handshake, min, max time.Duration) *RtoEstimator {
	return &RtoEstimator{
		handshake: uint64(handshake.Microseconds()),
		min:       uint64(min.Microseconds()),
		max:       uint64(max.Microseconds()),
	}
}

// OnHandshakeStart installs the handshake timeout unless a round trip has
// been measured.
func (e *RtoEstimator) OnHandshakeStart() {
	if !e.sampled {
		e.rto = e.handshake
	}
}

// OnSample feeds one round-trip measurement into the estimator and returns
// the resulting timeout.
func (e *RtoEstimator) OnSample(rtt time.Duration) time.Duration {
	r := uint64(0)
	if rtt > 0 {
		r = uint64(rtt.Microseconds())
	}

	if !e.sampled {
		e.srtt = r
		e.rttvar = r >> 1
		e.sampled = true
	} else {
		var diff uint64
		if e.srtt > r {
			diff = e.srtt - r
		} else {
			diff = r - e.srtt
		}
		e.rttvar = (3*e.rttvar + diff) / 4
		e.srtt = (7*e.srtt + r) / 8
	}

	e.rto = e.clamp(e.srtt + 4*e.rttvar)
	return e.Timeout()
}

// OnTimeoutBackoff doubles the current timeout up to the ceiling.
func (e *RtoEstimator) OnTimeoutBackoff() time.Duration {
	cur := e.current()
	if cur > e.max/2 {
		e.rto = e.max
	} else {
		e.rto = cur * 2
	}
	return e.Timeout()
}

// Timeout returns the timeout to arm for the next transmission. Before any
// value is set this is the floor.
func (e *RtoEstimator) Timeout() time.Duration {
	return time.Duration(e.current()) * time.Microsecond
}

// Reset forgets the current timeout and smoothing state.
func (e *RtoEstimator) Reset() {
	e.srtt, e.rttvar, e.rto = 0, 0, 0
	e.sampled = false
}

// Smoothed returns the smoothed round trip and its variance.
func (e *RtoEstimator) Smoothed() (srtt, rttvar time.Duration) {
	return time.Duration(e.srtt) * time.Microsecond, time.Duration(e.rttvar) * time.Microsecond
}

func (e *RtoEstimator) current() uint64 {
	if e.rto == 0 {
		return e.min
	}
	return e.rto
}

func (e *RtoEstimator) clamp(t uint64) uint64 {
	if t < e.min {
		return e.min
	}
	if t > e.max {
		return e.max
	}
	return t
}
