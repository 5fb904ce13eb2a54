package faultnet

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	errRateOutOfRange = errors.New("faultnet: rate must be in [0,1]")
	errNegativeDelay  = errors.New("faultnet: delay must be non-negative")
	errDelayOrder     = errors.New("faultnet: min delay exceeds max delay")
)

// Profile describes the impairments injected into outgoing datagrams.
// The zero value injects nothing.
type Profile struct {
	// LossRate is the probability in [0,1] that a datagram is silently
	// dropped. Suppressed while handshake mode is active.
	LossRate float64 `yaml:"loss_rate"`
	// CorruptionRate is the probability in [0,1] that a single bit of the
	// datagram is flipped. Applies even during handshakes.
	CorruptionRate float64 `yaml:"corruption_rate"`
	// MinDelay and MaxDelay bound a uniformly distributed artificial
	// delivery delay in seconds.
	MinDelay float64 `yaml:"min_delay"`
	MaxDelay float64 `yaml:"max_delay"`
}

// Validate checks rate ranges and delay ordering.
func (p Profile) Validate() error {
	switch {
	case p.LossRate < 0 || p.LossRate > 1 || p.CorruptionRate < 0 || p.CorruptionRate > 1:
		return errRateOutOfRange
	case p.MinDelay < 0 || p.MaxDelay < 0:
		return errNegativeDelay
	case p.MinDelay > p.MaxDelay:
		return errDelayOrder
	}
	return nil
}

func (p Profile) delayBounds() (min, max time.Duration) {
	return time.Duration(p.MinDelay * float64(time.Second)), time.Duration(p.MaxDelay * float64(time.Second))
}

// LoadProfile reads a YAML impairment profile from path.
func LoadProfile(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Profile{}, fmt.Errorf("faultnet: parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
