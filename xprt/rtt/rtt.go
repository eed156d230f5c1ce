// Package rtt implements a smoothed round-trip-time estimator with
// separate state per timer class.
//
// The estimator follows Jacobson/Karels: the smoothed RTT is kept
// scaled by 8 and the mean deviation scaled by 4 so that the update
// step is pure integer arithmetic on time.Duration values.
//
// Timer class 0 means "no estimate"; RTO(0) returns the initial timeout
// the estimator was created with. Classes 1..NumClasses carry state.
package rtt

import (
	"fmt"
	"sync"
	"time"
)

const NumClasses = 5

// MaxBackoff bounds the per-class count of consecutive timeouts
// that is added to the retransmit shift.
const MaxBackoff = 8

const (
	rtoMax  = 60 * time.Second
	rtoInit = 200 * time.Millisecond
	rtoMin  = 100 * time.Millisecond
)

type classState struct {
	srtt      time.Duration // << 3
	sdrtt     time.Duration // << 2
	ntimeouts int
}

type Estimator struct {
	mtx     sync.Mutex
	timeo   time.Duration
	classes [NumClasses]classState
}

func New(initial time.Duration) *Estimator {
	if initial <= 0 {
		panic(fmt.Sprintf("rtt: initial timeout must be positive, got %s", initial))
	}
	e := &Estimator{timeo: initial}
	for i := range e.classes {
		e.resetClass(&e.classes[i])
	}
	return e
}

func (e *Estimator) resetClass(c *classState) {
	var init time.Duration
	if e.timeo > rtoInit {
		init = (e.timeo - rtoInit) << 3
	}
	c.srtt = init
	c.sdrtt = rtoInit
	c.ntimeouts = 0
}

func (e *Estimator) class(timer int) *classState {
	if timer < 1 || timer > NumClasses {
		panic(fmt.Sprintf("rtt: invalid timer class %d", timer))
	}
	return &e.classes[timer-1]
}

// Update feeds a round-trip sample m into the estimate for timer.
// Negative samples (clock went backwards) are ignored.
func (e *Estimator) Update(timer int, m time.Duration) {
	if timer == 0 || m < 0 {
		return
	}
	if m == 0 {
		m = 1
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	c := e.class(timer)

	m -= c.srtt >> 3
	c.srtt += m
	if m < 0 {
		m = -m
	}
	m -= c.sdrtt >> 2
	c.sdrtt += m
	if c.sdrtt < rtoMin {
		c.sdrtt = rtoMin
	}
}

// RTO returns the current retransmit timeout estimate for timer,
// not including backoff.
func (e *Estimator) RTO(timer int) time.Duration {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if timer == 0 {
		return e.timeo
	}
	c := e.class(timer)
	res := ((c.srtt + 7) >> 3) + c.sdrtt
	if res > rtoMax {
		res = rtoMax
	}
	return res
}

func (e *Estimator) Backoff(timer int) int {
	if timer == 0 {
		return 0
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.class(timer).ntimeouts
}

// SetBackoff records that the last exchange on timer needed ntimeo
// retransmissions. A smaller value than the recorded one decays the
// recorded backoff by one, a larger one replaces it (capped at MaxBackoff).
func (e *Estimator) SetBackoff(timer int, ntimeo int) {
	if timer == 0 {
		return
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	c := e.class(timer)
	if ntimeo < c.ntimeouts {
		if c.ntimeouts > 0 {
			c.ntimeouts--
		}
		return
	}
	if ntimeo > MaxBackoff {
		ntimeo = MaxBackoff
	}
	c.ntimeouts = ntimeo
}

// Reset discards everything learned for timer.
func (e *Estimator) Reset(timer int) {
	if timer == 0 {
		return
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.resetClass(e.class(timer))
}

func (e *Estimator) ResetAll() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	for i := range e.classes {
		e.resetClass(&e.classes[i])
	}
}
