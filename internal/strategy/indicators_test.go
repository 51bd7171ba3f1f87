package strategy

import "testing"

func TestMovingAverage(t *testing.T) {
	window := []float64{1, 2, 3, 4, 5}
	if got := movingAverage(window, 5); got != 3 {
		t.Fatalf("full window mean = %v", got)
	}
	if got := movingAverage(window, 2); got != 4.5 {
		t.Fatalf("trailing mean = %v", got)
	}
	if got := movingAverage(window, 10); got != 0 {
		t.Fatalf("short window = %v", got)
	}
	if got := movingAverage(window, 0); got != 0 {
		t.Fatalf("zero period = %v", got)
	}
}

func TestRelativeStrengthExtremes(t *testing.T) {
	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	if got := relativeStrength(rising, 5); got != 100 {
		t.Fatalf("all-gain rsi = %v", got)
	}
	falling := []float64{8, 7, 6, 5, 4, 3, 2, 1}
	if got := relativeStrength(falling, 5); got != 0 {
		t.Fatalf("all-loss rsi = %v", got)
	}
}

func TestRelativeStrengthBalanced(t *testing.T) {
	// Alternating equal gains and losses sit at the midpoint.
	window := []float64{10, 11, 10, 11, 10, 11, 10, 11, 10, 11}
	got := relativeStrength(window, 8)
	if got < 49 || got > 51 {
		t.Fatalf("balanced rsi = %v", got)
	}
}

func TestRelativeStrengthInsufficientData(t *testing.T) {
	if got := relativeStrength([]float64{1, 2}, 14); got != 0 {
		t.Fatalf("short series rsi = %v", got)
	}
}
