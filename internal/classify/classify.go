// Package classify labels a hit frame as a low (don) or high (ka) strike from
// the distribution of its spectrum energy.
//
// The spectrum is split by bin index into three contiguous bands. A frame is
// Low when the low band holds more than a fixed share of the total energy, or
// more energy than the high band; otherwise it is High. Classification is a
// pure function of a single spectrum.
package classify

import (
	"fmt"

	"github.com/MrWong99/donka/pkg/hit"
)

// DefaultLowDominance is the low-band share above which a frame is Low
// regardless of the high band.
const DefaultLowDominance = 0.4

// Bands holds the exclusive upper bin index of each band: low is [0,Low),
// mid is [Low,Mid) and high is [Mid,High).
type Bands struct {
	Low  int
	Mid  int
	High int
}

// DefaultBands returns the band edges used with a 2048-point FFT at 44.1 kHz
// (roughly 1.1 kHz, 3.2 kHz and 6.5 kHz).
func DefaultBands() Bands {
	return Bands{Low: 50, Mid: 150, High: 300}
}

// Validate checks that the bands are non-empty and ordered.
func (b Bands) Validate() error {
	if b.Low <= 0 || b.Low >= b.Mid || b.Mid >= b.High {
		return fmt.Errorf("classify: bands must satisfy 0 < low < mid < high, got %d/%d/%d", b.Low, b.Mid, b.High)
	}
	return nil
}

// Energies are the summed spectrum bytes of each band.
type Energies struct {
	Low, Mid, High int
}

// Total returns the energy across all three bands.
func (e Energies) Total() int {
	return e.Low + e.Mid + e.High
}

// Classifier is a stateless band-ratio classifier. It is safe for concurrent
// use.
type Classifier struct {
	bands        Bands
	lowDominance float64
}

// New validates the parameters and returns a Classifier.
func New(b Bands, lowDominance float64) (*Classifier, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if lowDominance < 0 || lowDominance > 1 {
		return nil, fmt.Errorf("classify: low dominance %v must be in [0, 1]", lowDominance)
	}
	return &Classifier{bands: b, lowDominance: lowDominance}, nil
}

// Bands returns the band edges.
func (c *Classifier) Bands() Bands {
	return c.bands
}

// Energies sums the spectrum over each band. Bands extending past the end of
// the spectrum are truncated.
func (c *Classifier) Energies(spectrum []uint8) Energies {
	return Energies{
		Low:  sum(spectrum, 0, c.bands.Low),
		Mid:  sum(spectrum, c.bands.Low, c.bands.Mid),
		High: sum(spectrum, c.bands.Mid, c.bands.High),
	}
}

// Classify returns the category of the frame whose spectrum is given. A
// spectrum without energy in any band is Low.
func (c *Classifier) Classify(spectrum []uint8) hit.Category {
	e := c.Energies(spectrum)
	total := e.Total()
	if total == 0 {
		return hit.Low
	}
	lowRatio := float64(e.Low) / float64(total)
	highRatio := float64(e.High) / float64(total)
	if lowRatio > c.lowDominance || lowRatio > highRatio {
		return hit.Low
	}
	return hit.High
}

func sum(b []uint8, from, to int) int {
	to = min(to, len(b))
	var s int
	for i := from; i < to; i++ {
		s += int(b[i])
	}
	return s
}
