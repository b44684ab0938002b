package random

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"time"
)

// randomSource abstracts the random number generator used by the simulator.
type randomSource interface {
	Float64() (float64, error)
}

// pseudoSource wraps math/rand to provide reproducible runs for a seed.
type pseudoSource struct {
	rng *mathrand.Rand
}

func newPseudoSource(seed *int64) *pseudoSource {
	var src mathrand.Source
	if seed != nil {
		src = mathrand.NewSource(*seed)
	} else {
		src = mathrand.NewSource(time.Now().UnixNano())
	}
	return &pseudoSource{rng: mathrand.New(src)}
}

func (s *pseudoSource) Float64() (float64, error) {
	return s.rng.Float64(), nil
}

// secureSource uses crypto/rand.
type secureSource struct{}

func (secureSource) Float64() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure source: %w", err)
	}
	val := binary.BigEndian.Uint64(buf[:]) >> 11
	return float64(val) / float64(uint64(1)<<53), nil
}

func newRandomSource(source string, seed *int64) (randomSource, error) {
	switch strings.TrimSpace(strings.ToLower(source)) {
	case "", "pseudo", "math":
		return newPseudoSource(seed), nil
	case "secure", "crypto":
		if seed != nil {
			return nil, fmt.Errorf("random source %q does not accept a seed", source)
		}
		return secureSource{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", source)
	}
}

func randomFloatInRange(src randomSource, min, max float64) (float64, error) {
	if min == max {
		return min, nil
	}
	if max < min || math.IsNaN(min) || math.IsNaN(max) {
		return 0, fmt.Errorf("invalid float range [%f, %f]", min, max)
	}
	sample, err := src.Float64()
	if err != nil {
		return 0, err
	}
	return min + (max-min)*sample, nil
}

func randomBool(src randomSource, probability float64) (bool, error) {
	if probability <= 0 {
		return false, nil
	}
	if probability >= 1 {
		return true, nil
	}
	sample, err := src.Float64()
	if err != nil {
		return false, err
	}
	return sample < probability, nil
}
