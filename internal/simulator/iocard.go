package simulator

import (
	"fmt"
	"sync"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/config"
)

// IOCard simulates both Sequent cards at once: writing a vent's gate
// signal channel moves the simulated gate immediately, flipping the
// open and close limit switch inputs the way the real plumbing would.
type IOCard struct {
	mu   sync.Mutex
	cfg  config.Config
	bits [16]int
}

// NewIOCard builds a simulated I/O stack wired according to cfg. All
// limit switches start inactive, so installed vents read as partially
// open until first commanded.
func NewIOCard(cfg config.Config) *IOCard {
	return &IOCard{cfg: cfg}
}

// SetChannel implements the output card. Driving a configured gate
// signal channel high opens the gate; low closes it.
func (s *IOCard) SetChannel(channel int, high bool) error {
	if channel < 1 || channel > 4 {
		return fmt.Errorf("invalid output channel %d", channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for vent := 0; vent < 4; vent++ {
		if s.cfg.VentSignalCh[vent] != channel {
			continue
		}
		open, closed := 0, 1
		if high {
			open, closed = 1, 0
		}
		if ch := s.cfg.VentOpenLimitCh[vent]; ch != -1 {
			s.bits[ch-1] = open
		}
		if ch := s.cfg.VentCloseLimitCh[vent]; ch != -1 {
			s.bits[ch-1] = closed
		}
	}
	return nil
}

// ReadChannel implements the input card: 1 if the limit switch is
// active, 0 otherwise.
func (s *IOCard) ReadChannel(channel int) (int, error) {
	if channel < 1 || channel > 16 {
		return 0, fmt.Errorf("invalid input channel %d", channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits[channel-1], nil
}

// SetBits forces the state of all sixteen simulated inputs, letting
// tests stage conditions the gates cannot reach on their own (both
// limit switches active, for instance).
func (s *IOCard) SetBits(bits [16]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bits = bits
}
