package agent

import (
	"fmt"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain"
)

// RestartPolicy bounds how often a faulting agent is restarted. Delays grow
// exponentially from InitialBackoff by Multiplier, capped at MaxBackoff.
type RestartPolicy struct {
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`
}

// DefaultRestartPolicy returns three retries starting at 100ms, doubling up to 5s.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// Delay returns the backoff before restart attempt n (1-based).
func (p RestartPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Allows reports whether another restart is permitted after the given
// number of consecutive faults.
func (p RestartPolicy) Allows(consecutiveFaults int) bool {
	return consecutiveFaults <= p.MaxRetries
}

// Validate checks the policy parameters.
func (p RestartPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", domain.ErrValidation)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("%w: backoff must be >= 0", domain.ErrValidation)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be >= 1", domain.ErrValidation)
	}
	return nil
}
