package param

import "testing"

func TestDefaultDetectionFactorPolicy(t *testing.T) {
	p := DefaultDetectionFactorPolicy()

	tests := []struct {
		height float64
		want   float64
	}{
		{0.6, 3.25},
		{1.1, 3.5},
		{1.5, 3.75},
		{2.0, 5.5},
		{0.8, 10},
		{3, 10},
	}

	for _, tt := range tests {
		if got := p.Factor(tt.height); got != tt.want {
			t.Errorf("Factor(%v) = %v, want %v", tt.height, got, tt.want)
		}
	}
}

func TestFactorToleratesRoundingNoise(t *testing.T) {
	step := 0.1
	height := step * 6 // 0.6000000000000001
	if got := DefaultDetectionFactorPolicy().Factor(height); got != 3.25 {
		t.Errorf("Factor(%v) = %v, want 3.25", height, got)
	}
}

func TestFormatValue(t *testing.T) {
	for v, want := range map[float64]string{3.25: "3.25", 10: "10", 5.5: "5.5"} {
		if got := FormatValue(v); got != want {
			t.Errorf("FormatValue(%v) = %q, want %q", v, got, want)
		}
	}
}
