package param

import "math"

// FactorPolicy maps a flight height to a parameter value. Heights missing
// from Table map to Fallback.
type FactorPolicy struct {
	Table    map[float64]float64
	Fallback float64
}

// DefaultDetectionFactorPolicy returns the Kalman time-of-flight outlier
// detection factors tuned per flight height.
func DefaultDetectionFactorPolicy() FactorPolicy {
	return FactorPolicy{
		Table: map[float64]float64{
			0.6: 3.25,
			1.1: 3.5,
			1.5: 3.75,
			2.0: 5.5,
		},
		Fallback: 10,
	}
}

// Factor returns the value for height.
func (p FactorPolicy) Factor(height float64) float64 {
	if v, ok := p.Table[height]; ok {
		return v
	}
	// Heights from flags and config files may carry rounding noise.
	for h, v := range p.Table {
		if math.Abs(h-height) < 1e-9 {
			return v
		}
	}
	return p.Fallback
}
