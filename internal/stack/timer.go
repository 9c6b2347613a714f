package stack

import "time"

// Timer is a callback run from Poll once its period has elapsed
type Timer struct {
	period  time.Duration
	next    time.Time
	repeat  bool
	stopped bool
	fn      func(now time.Time)
}

// AddTimer schedules fn every period, or once if repeat is false
func (m *Manager) AddTimer(period time.Duration, repeat bool, fn func(now time.Time)) *Timer {
	t := &Timer{
		period: period,
		next:   time.Now().Add(period),
		repeat: repeat,
		fn:     fn,
	}
	m.timers = append(m.timers, t)
	return t
}

// Stop cancels the timer
func (t *Timer) Stop() { t.stopped = true }

func (m *Manager) runTimers(now time.Time) {
	timers := m.timers
	m.timers = nil
	for _, t := range timers {
		if !t.stopped && !now.Before(t.next) {
			t.fn(now)
			if t.repeat {
				t.next = t.next.Add(t.period)
				// skip missed ticks instead of firing in a burst
				if t.next.Before(now) {
					t.next = now.Add(t.period)
				}
			} else {
				t.stopped = true
			}
		}
		if !t.stopped {
			m.timers = append(m.timers, t)
		}
	}
}
