package session

import "time"

// keepaliveDuration converts the CONNECT keepalive seconds into the
// watchdog timeout: 1.5x the requested interval (spec §4.E). A zero or
// negative keepalive disables the watchdog entirely.
func keepaliveDuration(seconds uint16) time.Duration {
	if seconds == 0 {
		return 0
	}
	return time.Duration(seconds) * 1500 * time.Millisecond
}

// armKeepaliveLocked starts the watchdog timer, if enabled. Must be called with
// mu held.
func (s *Session) armKeepaliveLocked() {
	d := keepaliveDuration(s.keepalive)
	if d <= 0 {
		return
	}
	s.keepaliveTimer = time.AfterFunc(d, s.onKeepaliveTimeout)
}

// resetKeepalive is called on every inbound packet (spec §4.E: "Reset on
// every inbound packet").
func (s *Session) resetKeepalive() {
	s.mu.Lock()
	timer := s.keepaliveTimer
	d := keepaliveDuration(s.keepalive)
	s.mu.Unlock()

	if timer == nil || d <= 0 {
		return
	}
	timer.Reset(d)
}

func (s *Session) stopKeepaliveLocked() {
	if s.keepaliveTimer != nil {
		s.keepaliveTimer.Stop()
	}
}

func (s *Session) onKeepaliveTimeout() {
	s.logger.Debug("keepalive timeout", "client_id", s.ID(), "conn_id", s.connID)
	s.Close(abnormal(ErrKeepaliveTimeout))
}
