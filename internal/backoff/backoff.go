// Package backoff computes capped exponential retry delays.
package backoff

import "time"

// Policy doubles Base on every retry and never exceeds Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default is the reconnect policy for venue connections.
var Default = Policy{Base: time.Second, Max: 60 * time.Second}

// Delay returns Base * 2^retry, capped at Max. Negative retries return Base.
func (p Policy) Delay(retry int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if retry < 0 {
		return p.Base
	}
	// 2^30 seconds is far beyond any sane cap; stop shifting before overflow.
	if retry > 30 {
		return p.Max
	}
	d := p.Base * time.Duration(1<<retry)
	if p.Max > 0 && (d > p.Max || d <= 0) {
		return p.Max
	}
	return d
}

// Sleep waits for Delay(retry) or until done is closed. It reports false when
// done fired first.
func (p Policy) Sleep(done <-chan struct{}, retry int) bool {
	t := time.NewTimer(p.Delay(retry))
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
