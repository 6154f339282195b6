package tasks

import "time"

// SetClock overrides the service clock in tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}
